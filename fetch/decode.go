package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// MaxBodyBytes caps how much of a decoded body is kept.
const MaxBodyBytes = 5 << 20

const acceptEncoding = "gzip, deflate, br"

// readBody decodes r per the Content-Encoding header and reads at most
// MaxBodyBytes, reporting whether the body was cut off.
func readBody(r io.Reader, encoding string) ([]byte, bool, error) {
	decoded, err := decoder(r, encoding)
	if err != nil {
		return nil, false, err
	}
	body, err := io.ReadAll(io.LimitReader(decoded, MaxBodyBytes+1))
	if err != nil {
		return nil, false, err
	}
	if len(body) > MaxBodyBytes {
		return body[:MaxBodyBytes], true, nil
	}
	return body, false, nil
}

func decoder(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		return zr, nil
	case "br":
		return brotli.NewReader(r), nil
	case "deflate":
		// "deflate" is zlib-wrapped per RFC 9110 but some servers send raw deflate
		raw, err := io.ReadAll(io.LimitReader(r, MaxBodyBytes+1))
		if err != nil {
			return nil, err
		}
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			return zr, nil
		}
		return flate.NewReader(bytes.NewReader(raw)), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
