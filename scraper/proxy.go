package scraper

import (
	"context"
	"net/url"

	"github.com/rs/zerolog/log"

	"harvestd/models"
)

// ProxyPool is the part of the proxy pool a crawl needs.
type ProxyPool interface {
	Select(ctx context.Context) (*models.ProxyEndpoint, error)
	ProxyURL(px *models.ProxyEndpoint) (*url.URL, error)
	RecordFailure(ctx context.Context, id int64, reason string) error
	RecordSuccess(ctx context.Context, id int64) error
}

// ProxyChoice is the egress picked for one crawl.
type ProxyChoice struct {
	Endpoint *models.ProxyEndpoint // nil = direct
	URL      *url.URL
	// Missing is set when mode required a proxy and none could be used.
	Missing bool
	Note    string
}

// ChooseProxy applies a source's proxy mode. Failing to find or resolve a
// proxy is not a proxy health event.
func ChooseProxy(ctx context.Context, pool ProxyPool, mode models.ProxyMode) ProxyChoice {
	if mode == models.ProxyModeNone {
		return ProxyChoice{Note: "direct"}
	}
	if pool == nil {
		return unavailable(mode, "no proxy pool configured")
	}

	px, err := pool.Select(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Proxy selection failed")
		return unavailable(mode, "proxy selection failed: "+err.Error())
	}
	if px == nil {
		return unavailable(mode, "no proxy available")
	}

	u, err := pool.ProxyURL(px)
	if err != nil {
		log.Error().Int64("proxy_id", px.ID).Err(err).Msg("Proxy credentials unusable")
		return unavailable(mode, "proxy credentials unusable")
	}
	return ProxyChoice{Endpoint: px, URL: u, Note: "proxy " + px.Host}
}

func unavailable(mode models.ProxyMode, note string) ProxyChoice {
	if mode == models.ProxyModeRequire {
		return ProxyChoice{Missing: true, Note: note}
	}
	return ProxyChoice{Note: note + ", going direct"}
}

// ID returns the endpoint id, or 0 when direct.
func (c ProxyChoice) ID() int64 {
	if c.Endpoint == nil {
		return 0
	}
	return c.Endpoint.ID
}
