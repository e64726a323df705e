package proxypool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"harvestd/httputil"
	"harvestd/models"
	"harvestd/telemetry"
)

const DefaultLookupURL = "https://api.ipify.org?format=json"

// Checker verifies each proxy by asking an IP lookup service for the egress address.
type Checker struct {
	pool      *Pool
	lookupURL string
	timeout   time.Duration
	parallel  int
}

func NewChecker(pool *Pool, lookupURL string, timeout time.Duration) *Checker {
	if lookupURL == "" {
		lookupURL = DefaultLookupURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Checker{pool: pool, lookupURL: lookupURL, timeout: timeout, parallel: 4}
}

// Check looks up the exit IP through px and records the result on the proxy.
func (c *Checker) Check(ctx context.Context, px *models.ProxyEndpoint) (string, error) {
	exitIP, checkErr := c.lookup(ctx, px)
	if err := c.pool.RecordCheck(ctx, px.ID, exitIP, checkErr); err != nil {
		return exitIP, err
	}
	if checkErr != nil {
		telemetry.ProxyChecks.WithLabelValues(models.ProxyCheckError).Inc()
		log.Warn().Int64("proxy_id", px.ID).Str("label", px.Label).Err(checkErr).Msg("Proxy check failed")
		return "", checkErr
	}
	telemetry.ProxyChecks.WithLabelValues(models.ProxyCheckOK).Inc()
	log.Debug().Int64("proxy_id", px.ID).Str("exit_ip", exitIP).Msg("Proxy check ok")
	return exitIP, nil
}

// CheckAll checks every enabled proxy, a few at a time.
func (c *Checker) CheckAll(ctx context.Context) (ok, failed int, err error) {
	proxies, err := c.pool.store.ListProxies(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list proxies: %w", err)
	}

	results := make([]error, len(proxies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for i, px := range proxies {
		if !px.Enabled {
			continue
		}
		g.Go(func() error {
			_, results[i] = c.Check(gctx, px)
			return nil
		})
	}
	g.Wait()

	for i, px := range proxies {
		if !px.Enabled {
			continue
		}
		if results[i] != nil {
			failed++
		} else {
			ok++
		}
	}
	log.Info().Int("ok", ok).Int("failed", failed).Msg("Proxy checks complete")
	return ok, failed, nil
}

func (c *Checker) lookup(ctx context.Context, px *models.ProxyEndpoint) (string, error) {
	proxyURL, err := c.pool.ProxyURL(px)
	if err != nil {
		return "", err
	}
	client := httputil.NewClient(c.timeout, proxyURL, nil)
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.lookupURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusProxyAuthRequired {
		return "", fmt.Errorf("proxy authentication rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip lookup returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	return parseLookup(body)
}

func parseLookup(body []byte) (string, error) {
	var payload struct {
		IP string `json:"ip"`
	}
	ip := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.IP != "" {
		ip = payload.IP
	}
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("ip lookup returned no address")
	}
	return ip, nil
}
