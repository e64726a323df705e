package storage

import (
	"context"
	"time"

	"harvestd/models"
)

// DomainStore is implemented by PostgresStore and MemoryStore.
type DomainStore interface {
	// Sources
	UpsertSourceConfig(ctx context.Context, src *models.Source) (int64, error)
	GetSource(ctx context.Context, id int64) (*models.Source, error)
	GetSourceByKey(ctx context.Context, key string) (*models.Source, error)
	ListSources(ctx context.Context) ([]*models.Source, error)
	ClaimDueSources(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Source, error)
	SaveSourceState(ctx context.Context, src *models.Source) error

	// Runs
	CreateRun(ctx context.Context, run *models.Run) (int64, error)
	GetRun(ctx context.Context, id int64) (*models.Run, error)
	StartRun(ctx context.Context, id int64, at time.Time) (bool, error)
	FinishRun(ctx context.Context, run *models.Run) (bool, error)

	// Proxies
	ListProxies(ctx context.Context) ([]*models.ProxyEndpoint, error)
	GetProxy(ctx context.Context, id int64) (*models.ProxyEndpoint, error)
	CreateProxy(ctx context.Context, p *models.ProxyEndpoint) (int64, error)
	UpdateProxyHealth(ctx context.Context, id int64, fn func(p *models.ProxyEndpoint) error) (*models.ProxyEndpoint, error)

	// Staging
	UpsertStagedListing(ctx context.Context, l *models.StagedListing) (int64, error)
	GetStagedListing(ctx context.Context, id int64) (*models.StagedListing, error)
	PromoteStaged(ctx context.Context, stagedID int64, reason string) (int64, error)
	MarkStagedDecision(ctx context.Context, stagedID int64, approved bool, reason string) error
	GetMergedListing(ctx context.Context, sourceKey, canonicalURL string) (*models.MergedListing, error)

	// Tracking
	CreateTracking(ctx context.Context, targetURL, sourceKey string, now time.Time) (*models.AuctionTracking, error)
	GetTracking(ctx context.Context, id int64) (*models.AuctionTracking, error)
	ClaimDueTracking(ctx context.Context, now time.Time, limit int) ([]*models.AuctionTracking, error)
	ResetTracking(ctx context.Context, id int64, resetAttempts bool, now time.Time) error
	ClaimTracking(ctx context.Context, id int64, now time.Time) (*models.AuctionTracking, error)
	FinishTracking(ctx context.Context, t *models.AuctionTracking, token string) (bool, error)

	Close()
}

var (
	_ DomainStore = (*PostgresStore)(nil)
	_ DomainStore = (*MemoryStore)(nil)
)
