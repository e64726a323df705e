package identity

import (
	"regexp"
	"strings"
)

// VINPattern matches a 17 character VIN; I, O and Q are never used.
var VINPattern = regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`)

var (
	vinTransliteration = map[rune]int{
		'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8,
		'J': 1, 'K': 2, 'L': 3, 'M': 4, 'N': 5, 'P': 7, 'R': 9,
		'S': 2, 'T': 3, 'U': 4, 'V': 5, 'W': 6, 'X': 7, 'Y': 8, 'Z': 9,
	}
	vinWeights = [17]int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}
	vinStrip   = regexp.MustCompile(`[\s-]`)
)

// NormalizeVIN uppercases and strips separators; it returns "" if the result is not VIN shaped.
func NormalizeVIN(raw string) string {
	v := strings.ToUpper(vinStrip.ReplaceAllString(strings.TrimSpace(raw), ""))
	if len(v) != 17 || !VINPattern.MatchString(v) {
		return ""
	}
	return v
}

// ValidVIN verifies the North American check digit in position 9.
func ValidVIN(vin string) bool {
	if len(vin) != 17 {
		return false
	}
	sum := 0
	for i, r := range vin {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		default:
			n, ok := vinTransliteration[r]
			if !ok {
				return false
			}
			v = n
		}
		sum += v * vinWeights[i]
	}
	check := sum % 11
	want := byte('0' + check)
	if check == 10 {
		want = 'X'
	}
	return vin[8] == want
}
