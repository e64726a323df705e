package fetch

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"harvestd/models"
)

// Statuses that mean the origin is refusing us rather than failing.
var blockStatuses = map[int]bool{
	http.StatusUnauthorized:       true,
	http.StatusForbidden:          true,
	http.StatusTooManyRequests:    true,
	http.StatusServiceUnavailable: true,
}

// Bot-protection markers, matched case-insensitively against the body.
var blockMarkers = []string{
	"captcha",
	"cf-chl",
	"cf-browser-verification",
	"attention required! | cloudflare",
	"incapsula incident id",
	"request unsuccessful. incapsula",
	"_incapsula_resource",
	"access denied",
	"this request was blocked",
	"px-captcha",
	"perimeterx",
	"datadome",
	"are you a robot",
	"unusual traffic",
}

var challengePaths = []string{
	"/cdn-cgi/challenge-platform",
	"/_incapsula_resource",
	"/captcha",
	"/challenge",
	"/blocked",
}

// Classify decides the outcome of a completed exchange. hops holds the paths
// of every redirect target followed. A 200 is never blocked; any other status
// is blocked when it carries a block status, a bot-protection marker or a
// challenge redirect, and is an http_error otherwise.
func Classify(status int, body []byte, hops []string, viaProxy bool) (models.Outcome, string) {
	if status == http.StatusOK {
		return models.OutcomeOK, ""
	}
	if status == http.StatusProxyAuthRequired && viaProxy {
		return models.OutcomeProxyFailed, "proxy authentication required"
	}
	for _, hop := range hops {
		if p := challengePath(hop); p != "" {
			return models.OutcomeBlocked, "challenge redirect " + p
		}
	}
	if marker := BlockMarker(body); marker != "" {
		return models.OutcomeBlocked, "marker " + strconv.Quote(marker) + " with status " + strconv.Itoa(status)
	}
	if blockStatuses[status] {
		return models.OutcomeBlocked, "status " + strconv.Itoa(status)
	}
	return models.OutcomeHTTPError, ""
}

// BlockMarker returns the first bot-protection marker found in body, or "".
func BlockMarker(body []byte) string {
	lower := bytes.ToLower(body)
	for _, m := range blockMarkers {
		if bytes.Contains(lower, []byte(m)) {
			return m
		}
	}
	return ""
}

func challengePath(p string) string {
	lp := strings.ToLower(p)
	for _, c := range challengePaths {
		if strings.HasPrefix(lp, c) {
			return c
		}
	}
	return ""
}

// ClassifyError maps a transport error to an outcome.
func ClassifyError(err error, viaProxy bool) models.Outcome {
	if viaProxy && isProxyError(err) {
		return models.OutcomeProxyFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.OutcomeTimeout
	}
	return models.OutcomeHTTPError
}

func isProxyError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"proxyconnect",
		"proxy authentication required",
		"socks connect",
		"tls handshake timeout",
		"err_proxy",
		"err_tunnel_connection_failed",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
