package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"harvestd/identity"
	"harvestd/models"
	"harvestd/telemetry"
)

// StagingStore is the persistence staging and promotion need.
type StagingStore interface {
	// UpsertStagedListing inserts or overwrites the row keyed by
	// (source_key, canonical_url), replacing its attribute set.
	UpsertStagedListing(ctx context.Context, l *models.StagedListing) (int64, error)
	// PromoteStaged upserts the staged row into merged_listings and marks it
	// approved, in one transaction.
	PromoteStaged(ctx context.Context, stagedID int64, reason string) (int64, error)
	MarkStagedDecision(ctx context.Context, stagedID int64, approved bool, reason string) error
}

// Origin identifies what produced a batch of candidates.
type Origin struct {
	SourceKey  string
	Strategy   models.StrategyKind
	RunID      *int64
	TrackingID *int64
}

// StagingService stages candidates and reconciles them into the canonical store.
type StagingService struct {
	store StagingStore
}

func NewStagingService(store StagingStore) *StagingService {
	return &StagingService{store: store}
}

// Stage upserts each candidate. Candidates whose URL cannot be canonicalized
// are skipped; the returned rows are in candidate order.
func (s *StagingService) Stage(ctx context.Context, origin Origin, candidates []models.Candidate) ([]*models.StagedListing, error) {
	staged := make([]*models.StagedListing, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		canonical, err := identity.CanonicalURL(c.URL)
		if err != nil {
			log.Warn().Str("source", origin.SourceKey).Err(err).Msg("Candidate skipped")
			continue
		}
		l := &models.StagedListing{
			RunID:           origin.RunID,
			TrackingID:      origin.TrackingID,
			SourceKey:       origin.SourceKey,
			CanonicalURL:    canonical,
			URL:             c.URL,
			ListingFields:   c.ListingFields,
			Attributes:      dedupeAttributes(c.Attributes),
			ConfidenceScore: Confidence(origin.Strategy, c.ListingFields, c.Attributes),
		}
		id, err := s.store.UpsertStagedListing(ctx, l)
		if err != nil {
			return staged, fmt.Errorf("stage %s: %w", canonical, err)
		}
		l.ID = id
		staged = append(staged, l)
		telemetry.ItemsStaged.Inc()
	}
	return staged, nil
}

// ReconcileResult counts gate outcomes.
type ReconcileResult struct {
	Merged  int
	Review  int
	Reasons map[string]int
}

// Reconcile evaluates the gate once per staged row; a row staged several
// times in the batch is judged on its latest values.
func (s *StagingService) Reconcile(ctx context.Context, rules models.MergeRules, staged []*models.StagedListing) (*ReconcileResult, error) {
	latest := make(map[int64]*models.StagedListing, len(staged))
	var order []int64
	for _, l := range staged {
		if _, seen := latest[l.ID]; !seen {
			order = append(order, l.ID)
		}
		latest[l.ID] = l
	}

	res := &ReconcileResult{Reasons: make(map[string]int)}
	for _, id := range order {
		l := latest[id]
		d := Gate(rules, l)
		res.Reasons[d.Reason]++
		if d.Approved {
			mergedID, err := s.store.PromoteStaged(ctx, id, d.Reason)
			if err != nil {
				return res, fmt.Errorf("promote staged %d: %w", id, err)
			}
			l.MergedListingID = &mergedID
			res.Merged++
			telemetry.ItemsMerged.Inc()
		} else {
			if err := s.store.MarkStagedDecision(ctx, id, false, d.Reason); err != nil {
				return res, fmt.Errorf("mark staged %d: %w", id, err)
			}
			res.Review++
		}
		approved, reason := d.Approved, d.Reason
		l.AutoApproved = &approved
		l.GateReason = &reason
	}
	return res, nil
}

// dedupeAttributes keeps the last value per key.
func dedupeAttributes(attrs []models.Attribute) []models.Attribute {
	if len(attrs) < 2 {
		return attrs
	}
	idx := make(map[string]int, len(attrs))
	out := make([]models.Attribute, 0, len(attrs))
	for _, a := range attrs {
		if i, ok := idx[a.Key]; ok {
			out[i] = a
			continue
		}
		idx[a.Key] = len(out)
		out = append(out, a)
	}
	return out
}
