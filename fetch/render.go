package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog/log"

	"harvestd/models"
	"harvestd/telemetry"
)

// RenderFetcher loads pages in headless Chromium for sources that need
// JavaScript. Each fetch gets a fresh browser context carrying the proxy.
type RenderFetcher struct {
	userAgent string

	mu          sync.Mutex
	pw          *playwright.Playwright
	browser     playwright.Browser
	initialized bool
}

func NewRenderFetcher(userAgent string) *RenderFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &RenderFetcher{userAgent: userAgent}
}

func (f *RenderFetcher) ensureBrowser() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	var err error
	f.pw, err = playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	f.browser, err = f.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		f.pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	f.initialized = true
	return nil
}

func (f *RenderFetcher) Fetch(ctx context.Context, req Request) *Result {
	start := time.Now()
	res := &Result{URL: req.URL, FinalURL: req.URL, ProxyID: req.ProxyID}
	viaProxy := req.Proxy != nil
	defer func() {
		res.Elapsed = time.Since(start)
		telemetry.PagesFetched.WithLabelValues(string(res.Outcome)).Inc()
		telemetry.FetchDuration.WithLabelValues(string(res.Outcome)).Observe(res.Elapsed.Seconds())
	}()

	if err := f.ensureBrowser(); err != nil {
		res.Outcome, res.Err = models.OutcomeUnknownException, err
		return res
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	opts := playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(f.userAgent),
	}
	if viaProxy {
		opts.Proxy = browserProxy(req.Proxy)
	}
	bctx, err := f.browser.NewContext(opts)
	if err != nil {
		res.Outcome, res.Err = ClassifyError(err, viaProxy), err
		return res
	}
	defer bctx.Close()

	page, err := bctx.NewPage()
	if err != nil {
		res.Outcome, res.Err = models.OutcomeHTTPError, err
		return res
	}

	var hopsMu sync.Mutex
	var hops []string
	page.OnRequest(func(r playwright.Request) {
		if !r.IsNavigationRequest() {
			return
		}
		u, err := url.Parse(r.URL())
		if err != nil || u.String() == req.URL {
			return
		}
		hopsMu.Lock()
		hops = append(hops, u.Path)
		hopsMu.Unlock()
	})

	resp, err := page.Goto(req.URL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		res.Outcome, res.Err = classifyRenderError(err, viaProxy), err
		return res
	}
	if resp == nil {
		res.Outcome, res.Err = models.OutcomeHTTPError, fmt.Errorf("no navigation response")
		return res
	}

	content, err := page.Content()
	if err != nil {
		res.Outcome, res.Err = models.OutcomeHTTPError, fmt.Errorf("read content: %w", err)
		return res
	}
	body := []byte(content)
	if len(body) > MaxBodyBytes {
		body, res.Truncated = body[:MaxBodyBytes], true
	}
	res.StatusCode = resp.Status()
	res.FinalURL = page.URL()
	res.Body = body

	hopsMu.Lock()
	res.Outcome, res.BlockReason = Classify(res.StatusCode, body, hops, viaProxy)
	hopsMu.Unlock()
	if res.Outcome == models.OutcomeHTTPError {
		res.Err = fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return res
}

func browserProxy(u *url.URL) *playwright.Proxy {
	p := &playwright.Proxy{Server: u.Scheme + "://" + u.Host}
	if u.User != nil {
		p.Username = playwright.String(u.User.Username())
		if pass, ok := u.User.Password(); ok {
			p.Password = playwright.String(pass)
		}
	}
	return p
}

func classifyRenderError(err error, viaProxy bool) models.Outcome {
	msg := err.Error()
	if viaProxy && isProxyError(err) {
		return models.OutcomeProxyFailed
	}
	if strings.Contains(msg, "Timeout") && strings.Contains(msg, "exceeded") {
		return models.OutcomeTimeout
	}
	return models.OutcomeHTTPError
}

func (f *RenderFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		if err := f.browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close browser")
		}
	}
	if f.pw != nil {
		f.pw.Stop()
	}
	f.initialized = false
}
