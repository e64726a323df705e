package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"harvestd/httputil"
	"harvestd/models"
	"harvestd/telemetry"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxRedirects     = 10
)

// Request is one page fetch.
type Request struct {
	URL     string
	Proxy   *url.URL // nil = direct
	ProxyID int64
	Timeout time.Duration
}

// Result is the classified outcome of a fetch. Body is kept for every outcome
// that produced a response so blocked pages can be archived.
type Result struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Body        []byte
	Truncated   bool
	Outcome     models.Outcome
	BlockReason string
	Err         error
	Elapsed     time.Duration
	Cached      bool
	ProxyID     int64
}

// Summary is a one-line description for run diagnostics.
func (r *Result) Summary() string {
	switch {
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Outcome, r.Err)
	case r.BlockReason != "":
		return fmt.Sprintf("%s: %s", r.Outcome, r.BlockReason)
	case r.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", r.Outcome, r.StatusCode)
	}
	return string(r.Outcome)
}

// Fetcher performs one GET and classifies the result. It never returns nil.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) *Result
}

// HTTPFetcher fetches with net/http, one shared transport per proxy.
type HTTPFetcher struct {
	userAgent string

	mu         sync.Mutex
	transports map[string]*http.Transport
}

func NewHTTPFetcher(userAgent string) *HTTPFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPFetcher{
		userAgent:  userAgent,
		transports: make(map[string]*http.Transport),
	}
}

func (f *HTTPFetcher) transport(proxy *url.URL) *http.Transport {
	key := ""
	if proxy != nil {
		key = proxy.String()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t
	}
	t := httputil.NewTransport(proxy)
	f.transports[key] = t
	return t
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) *Result {
	start := time.Now()
	res := &Result{URL: req.URL, FinalURL: req.URL, ProxyID: req.ProxyID}
	viaProxy := req.Proxy != nil
	defer func() {
		res.Elapsed = time.Since(start)
		telemetry.PagesFetched.WithLabelValues(string(res.Outcome)).Inc()
		telemetry.FetchDuration.WithLabelValues(string(res.Outcome)).Observe(res.Elapsed.Seconds())
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		res.Outcome, res.Err = models.OutcomeHTTPError, err
		return res
	}
	hreq.Header.Set("User-Agent", f.userAgent)
	hreq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	hreq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	hreq.Header.Set("Accept-Encoding", acceptEncoding)

	var hops []string
	client := &http.Client{
		Transport: f.transport(req.Proxy),
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			hops = append(hops, r.URL.Path)
			if challengePath(r.URL.Path) != "" {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	resp, err := client.Do(hreq)
	if err != nil {
		res.Outcome, res.Err = ClassifyError(err, viaProxy), err
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.FinalURL = resp.Request.URL.String()

	body, truncated, err := readBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Outcome, res.Err = models.OutcomeTimeout, err
		} else {
			res.Outcome, res.Err = models.OutcomeHTTPError, fmt.Errorf("read body: %w", err)
		}
		return res
	}
	res.Body, res.Truncated = body, truncated

	res.Outcome, res.BlockReason = Classify(resp.StatusCode, body, hops, viaProxy)
	if res.Outcome == models.OutcomeHTTPError {
		res.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return res
}

// CloseIdleConnections releases pooled connections on every transport.
func (f *HTTPFetcher) CloseIdleConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}
