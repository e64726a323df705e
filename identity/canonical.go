package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Query parameters that never identify a listing.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"msclkid": true,
	"ref":     true,
	"_ga":     true,
}

// CanonicalURL normalizes a listing URL so the same listing always maps to the
// same staging key: lowercase scheme and host, default ports dropped, fragment
// dropped, tracking parameters removed, remaining query sorted, trailing slash
// trimmed.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("url %q is not absolute http(s)", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	if u.Path == "" {
		u.Path = "/"
	}
	u.Path = path.Clean(u.Path)
	u.RawPath = ""

	q := u.Query()
	for key := range q {
		lk := strings.ToLower(key)
		if trackingParams[lk] || strings.HasPrefix(lk, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = encodeSorted(q)

	return u.String(), nil
}

func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// LotURL builds a stable per-item URL for items that have no link of their own,
// by adding a lot parameter to the page URL.
func LotURL(pageURL, lotID string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url %q: %w", pageURL, err)
	}
	q := u.Query()
	q.Set("lot", lotID)
	u.RawQuery = q.Encode()
	return CanonicalURL(u.String())
}

// ResolveURL resolves href against base, returning "" if href is unusable.
func ResolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		if ref.IsAbs() {
			return ref.String()
		}
		return ""
	}
	return base.ResolveReference(ref).String()
}

// Key is a short stable hash of a listing identity, used for artifact names.
func Key(sourceKey, canonicalURL string) string {
	hash := sha256.Sum256([]byte(sourceKey + "|" + canonicalURL))
	return hex.EncodeToString(hash[:8])
}
