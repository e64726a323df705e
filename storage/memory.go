package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"harvestd/models"
)

// MemoryStore is a process-local DomainStore for dry runs and tests. It keeps
// the same conditional-update semantics as PostgresStore.
type MemoryStore struct {
	mu sync.Mutex

	nextID int64

	sources  map[int64]*models.Source
	runs     map[int64]*models.Run
	proxies  map[int64]*models.ProxyEndpoint
	staged   map[int64]*models.StagedListing
	merged   map[int64]*models.MergedListing
	tracking map[int64]*models.AuctionTracking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources:  make(map[int64]*models.Source),
		runs:     make(map[int64]*models.Run),
		proxies:  make(map[int64]*models.ProxyEndpoint),
		staged:   make(map[int64]*models.StagedListing),
		merged:   make(map[int64]*models.MergedListing),
		tracking: make(map[int64]*models.AuctionTracking),
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

// --- Sources ---

func (m *MemoryStore) UpsertSourceConfig(_ context.Context, src *models.Source) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, existing := range m.sources {
		if existing.Key != src.Key {
			continue
		}
		existing.Name = src.Name
		existing.BaseURL = src.BaseURL
		existing.Strategy = src.Strategy
		existing.MergeRules = src.MergeRules
		existing.ScheduleMinutes = src.ScheduleMinutes
		existing.MaxPagesPerRun = src.MaxPagesPerRun
		existing.RatePerMinute = src.RatePerMinute
		existing.TimeoutSeconds = src.TimeoutSeconds
		existing.ProxyMode = src.ProxyMode
		existing.Render = src.Render
		existing.BlockCooldownMinutes = src.BlockCooldownMinutes
		existing.UpdatedAt = now
		return existing.ID, nil
	}

	cp := *src
	cp.ID = m.id()
	cp.NextRunAt = &now
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.sources[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryStore) GetSource(_ context.Context, id int64) (*models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, nil
	}
	cp := *src
	return &cp, nil
}

func (m *MemoryStore) GetSourceByKey(_ context.Context, key string) (*models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if src.Key == key {
			cp := *src
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListSources(_ context.Context) ([]*models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Source, 0, len(m.sources))
	for _, src := range m.sources {
		cp := *src
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) ClaimDueSources(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.Source
	for _, src := range m.sources {
		if src.IsDue(now) {
			due = append(due, src)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.Source, 0, len(due))
	for _, src := range due {
		next := now.Add(lease)
		src.NextRunAt = &next
		src.UpdatedAt = now
		cp := *src
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SaveSourceState(_ context.Context, src *models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sources[src.ID]
	if !ok {
		return fmt.Errorf("source %d: %w", src.ID, models.ErrNotFound)
	}
	existing.FailureCount = src.FailureCount
	existing.DisabledReason = src.DisabledReason
	existing.CooldownUntil = src.CooldownUntil
	existing.LastBlockReason = src.LastBlockReason
	existing.LastError = src.LastError
	existing.LastRunAt = src.LastRunAt
	existing.LastRunStatus = src.LastRunStatus
	existing.IsEnabled = src.IsEnabled
	existing.NextRunAt = src.NextRunAt
	existing.UpdatedAt = time.Now()
	return nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *models.Run) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.PagesPlanned = models.PlannedPages(run.PagesPlanned)
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	run.ID = m.id()
	run.CreatedAt = time.Now()
	cp := *run
	m.runs[cp.ID] = &cp
	return run.ID, nil
}

func (m *MemoryStore) GetRun(_ context.Context, id int64) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) StartRun(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Status != models.RunStatusQueued {
		return false, nil
	}
	r.Status = models.RunStatusRunning
	r.StartedAt = &at
	return true, nil
}

func (m *MemoryStore) FinishRun(_ context.Context, run *models.Run) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[run.ID]
	if !ok || r.Status != models.RunStatusRunning {
		return false, nil
	}
	cp := *run
	cp.SourceID = r.SourceID
	cp.SourceKey = r.SourceKey
	cp.PagesPlanned = r.PagesPlanned
	cp.CreatedAt = r.CreatedAt
	cp.StartedAt = r.StartedAt
	m.runs[run.ID] = &cp
	return true, nil
}

// --- Proxies ---

func (m *MemoryStore) ListProxies(_ context.Context) ([]*models.ProxyEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ProxyEndpoint, 0, len(m.proxies))
	for _, p := range m.proxies {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetProxy(_ context.Context, id int64) (*models.ProxyEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateProxy(_ context.Context, p *models.ProxyEndpoint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.MaxConcurrency < 1 {
		p.MaxConcurrency = 1
	}
	now := time.Now()
	for _, existing := range m.proxies {
		if existing.Scheme == p.Scheme && existing.Host == p.Host && existing.Port == p.Port && existing.Username == p.Username {
			existing.Label = p.Label
			existing.PasswordEnc = p.PasswordEnc
			existing.Weight = p.Weight
			existing.MaxConcurrency = p.MaxConcurrency
			existing.Enabled = p.Enabled
			existing.UpdatedAt = now
			p.ID = existing.ID
			return p.ID, nil
		}
	}
	p.ID = m.id()
	cp := *p
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.proxies[cp.ID] = &cp
	return p.ID, nil
}

func (m *MemoryStore) UpdateProxyHealth(_ context.Context, id int64, fn func(p *models.ProxyEndpoint) error) (*models.ProxyEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return nil, fmt.Errorf("proxy %d: %w", id, models.ErrNotFound)
	}
	cp := *p
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now()
	m.proxies[id] = &cp
	out := cp
	return &out, nil
}

// --- Staging ---

func cloneAttributes(attrs []models.Attribute) []models.Attribute {
	if attrs == nil {
		return nil
	}
	return append([]models.Attribute(nil), attrs...)
}

func (m *MemoryStore) UpsertStagedListing(_ context.Context, l *models.StagedListing) (int64, error) {
	for _, a := range l.Attributes {
		if err := a.Validate(); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, existing := range m.staged {
		if existing.SourceKey != l.SourceKey || existing.CanonicalURL != l.CanonicalURL {
			continue
		}
		existing.RunID = l.RunID
		existing.TrackingID = l.TrackingID
		existing.URL = l.URL
		existing.ListingFields = l.ListingFields
		existing.Attributes = cloneAttributes(l.Attributes)
		existing.ConfidenceScore = l.ConfidenceScore
		existing.AutoApproved = nil
		existing.GateReason = nil
		existing.UpdatedAt = now
		l.ID = existing.ID
		l.CreatedAt = existing.CreatedAt
		l.UpdatedAt = now
		return l.ID, nil
	}

	l.ID = m.id()
	l.CreatedAt = now
	l.UpdatedAt = now
	cp := *l
	cp.AutoApproved = nil
	cp.GateReason = nil
	cp.MergedListingID = nil
	cp.Attributes = cloneAttributes(l.Attributes)
	m.staged[cp.ID] = &cp
	return l.ID, nil
}

func (m *MemoryStore) GetStagedListing(_ context.Context, id int64) (*models.StagedListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.staged[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	cp.Attributes = cloneAttributes(l.Attributes)
	return &cp, nil
}

func (m *MemoryStore) PromoteStaged(_ context.Context, stagedID int64, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.staged[stagedID]
	if !ok {
		return 0, fmt.Errorf("staged listing %d: %w", stagedID, models.ErrNotFound)
	}

	now := time.Now()
	var target *models.MergedListing
	for _, existing := range m.merged {
		if existing.SourceKey == l.SourceKey && existing.CanonicalURL == l.CanonicalURL {
			target = existing
			break
		}
	}
	if target == nil {
		target = &models.MergedListing{
			ID:            m.id(),
			SourceKey:     l.SourceKey,
			CanonicalURL:  l.CanonicalURL,
			FirstMergedAt: now,
		}
		m.merged[target.ID] = target
	}
	target.URL = l.URL
	target.ListingFields = l.ListingFields
	target.Attributes = cloneAttributes(l.Attributes)
	target.ConfidenceScore = l.ConfidenceScore
	target.StagedID = l.ID
	target.UpdatedAt = now

	approved := true
	l.AutoApproved = &approved
	l.GateReason = &reason
	mergedID := target.ID
	l.MergedListingID = &mergedID
	l.UpdatedAt = now
	return target.ID, nil
}

func (m *MemoryStore) MarkStagedDecision(_ context.Context, stagedID int64, approved bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.staged[stagedID]
	if !ok {
		return fmt.Errorf("staged listing %d: %w", stagedID, models.ErrNotFound)
	}
	l.AutoApproved = &approved
	l.GateReason = &reason
	l.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetMergedListing(_ context.Context, sourceKey, canonicalURL string) (*models.MergedListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ml := range m.merged {
		if ml.SourceKey == sourceKey && ml.CanonicalURL == canonicalURL {
			cp := *ml
			cp.Attributes = cloneAttributes(ml.Attributes)
			return &cp, nil
		}
	}
	return nil, nil
}

// StagedCount returns the number of staged rows, for tests and dry-run summaries.
func (m *MemoryStore) StagedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staged)
}

// --- Tracking ---

func (m *MemoryStore) CreateTracking(_ context.Context, targetURL, sourceKey string, now time.Time) (*models.AuctionTracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracking {
		if t.TargetURL == targetURL {
			cp := *t
			return &cp, nil
		}
	}
	t := &models.AuctionTracking{
		ID:          m.id(),
		TargetURL:   targetURL,
		SourceKey:   sourceKey,
		Status:      models.TrackingPending,
		NextCheckAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tracking[t.ID] = t
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTracking(_ context.Context, id int64) (*models.AuctionTracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracking[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) claim(t *models.AuctionTracking, now time.Time) *models.AuctionTracking {
	token := uuid.NewString()
	t.Status = models.TrackingRunning
	t.ClaimToken = &token
	t.ClaimedAt = &now
	t.UpdatedAt = now
	cp := *t
	return &cp
}

func (m *MemoryStore) ClaimDueTracking(_ context.Context, now time.Time, limit int) ([]*models.AuctionTracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.AuctionTracking
	for _, t := range m.tracking {
		if t.Reclaimable(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt().Before(due[j].DueAt()) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.AuctionTracking, 0, len(due))
	for _, t := range due {
		out = append(out, m.claim(t, now))
	}
	return out, nil
}

func (m *MemoryStore) ResetTracking(_ context.Context, id int64, resetAttempts bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracking[id]
	if !ok {
		return fmt.Errorf("tracking %d: %w", id, models.ErrNotFound)
	}
	t.Status = models.TrackingPending
	t.NextCheckAt = &now
	t.ClaimToken = nil
	t.ClaimedAt = nil
	if resetAttempts {
		t.Attempts = 0
	}
	t.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ClaimTracking(_ context.Context, id int64, now time.Time) (*models.AuctionTracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracking[id]
	if !ok || t.Status != models.TrackingPending {
		return nil, nil
	}
	return m.claim(t, now), nil
}

func (m *MemoryStore) FinishTracking(_ context.Context, t *models.AuctionTracking, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tracking[t.ID]
	if !ok || existing.Status != models.TrackingRunning || existing.ClaimToken == nil || *existing.ClaimToken != token {
		return false, nil
	}
	existing.Status = t.Status
	existing.Attempts = t.Attempts
	existing.NextCheckAt = t.NextCheckAt
	existing.LastCheckedAt = t.LastCheckedAt
	existing.LastError = t.LastError
	existing.LastHTTP = t.LastHTTP
	existing.Stats = t.Stats
	existing.ClaimToken = nil
	existing.ClaimedAt = nil
	existing.UpdatedAt = time.Now()
	return true, nil
}
