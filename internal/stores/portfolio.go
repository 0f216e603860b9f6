package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
)

// PortfolioStore holds portfolios and reconciles them with the backend.
type PortfolioStore struct {
	*Collection[domain.Portfolio]

	stores     *Stores
	cache      domain.Cache
	summaryTTL time.Duration
	now        func() time.Time
}

// MergeResult reports the outcome of SyncFromBackend.
type MergeResult struct {
	Merged  int `json:"merged"`
	Skipped int `json:"skipped"`
}

func (s *PortfolioStore) ByType(ctx context.Context, portfolioType string) ([]*domain.Portfolio, error) {
	return s.ByIndex(ctx, "type", portfolioType)
}

func (s *PortfolioStore) ByStatus(ctx context.Context, status string) ([]*domain.Portfolio, error) {
	return s.ByIndex(ctx, "status", status)
}

func (s *PortfolioStore) ByInstitution(ctx context.Context, institutionID string) ([]*domain.Portfolio, error) {
	return s.ByIndex(ctx, "institution_id", institutionID)
}

// Save stores p. Offline saves carry the pending marker and queue an update
// for the backend in the same transaction.
func (s *PortfolioStore) Save(ctx context.Context, p *domain.Portfolio, offline bool) (*domain.Portfolio, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil portfolio", domain.ErrInvalidInput)
	}
	v := *p
	if offline {
		v.PendingSync = true
	}

	saved, err := s.Collection.Save(ctx, &v, offline)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, saved.ID)
	return saved, nil
}

// SyncFromBackend merges backend copies into the local store. Records with
// local unsynced changes are left alone. The pending check and the write
// share one transaction, so an offline save racing the merge survives it.
func (s *PortfolioStore) SyncFromBackend(ctx context.Context, remote []*domain.Portfolio) (MergeResult, error) {
	var res MergeResult
	recs := make([]*domain.Record, 0, len(remote))

	for _, p := range remote {
		if p == nil || p.ID == "" {
			continue
		}
		v := *p
		v.PendingSync = false
		rec, err := domain.RecordFrom(&v)
		if err != nil {
			return res, err
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return res, nil
	}

	merged, skipped, err := s.store.MergeMany(ctx, s.spec.Name, recs)
	if err != nil {
		return res, err
	}
	res.Merged = len(merged)
	res.Skipped = len(skipped)

	for _, rec := range merged {
		s.invalidate(ctx, rec.ID)
	}

	s.logger.Info("merged backend portfolios",
		zap.Int("merged", res.Merged),
		zap.Int("skipped", res.Skipped),
		zap.Strings("skipped_ids", skipped),
	)
	return res, nil
}

// MarkAsSynced clears the pending marker on the portfolio.
func (s *PortfolioStore) MarkAsSynced(ctx context.Context, id string) error {
	rec, err := s.store.GetByID(ctx, s.spec.Name, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s[%s]", domain.ErrNotFound, s.spec.Name, id)
	}
	if !rec.PendingSync {
		return nil
	}
	rec.PendingSync = false
	_, err = s.store.Put(ctx, s.spec.Name, rec, false)
	return err
}

// Summary returns derived aggregates for a portfolio, served from the cache
// while fresh.
func (s *PortfolioStore) Summary(ctx context.Context, id string) (*domain.PortfolioSummary, error) {
	key := summaryKey(id)

	if s.cache != nil {
		data, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("summary cache read failed", zap.String("portfolio_id", id), zap.Error(err))
		} else if data != nil {
			var summary domain.PortfolioSummary
			if err := json.Unmarshal(data, &summary); err == nil {
				return &summary, nil
			}
		}
	}

	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	summary, err := s.computeSummary(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && s.summaryTTL > 0 {
		data, err := json.Marshal(summary)
		if err == nil {
			err = s.cache.Set(ctx, key, data, s.summaryTTL)
		}
		if err != nil {
			s.logger.Warn("summary cache write failed", zap.String("portfolio_id", id), zap.Error(err))
		}
	}
	return summary, nil
}

func (s *PortfolioStore) computeSummary(ctx context.Context, id string) (*domain.PortfolioSummary, error) {
	requests, err := s.stores.CreditRequests.ByPortfolio(ctx, id)
	if err != nil {
		return nil, err
	}
	contracts, err := s.stores.CreditContracts.ByPortfolio(ctx, id)
	if err != nil {
		return nil, err
	}

	summary := &domain.PortfolioSummary{
		PortfolioID:      id,
		Requests:         len(requests),
		Contracts:        len(contracts),
		ContractedAmount: decimal.Zero,
		GuaranteedAmount: decimal.Zero,
		ComputedAt:       s.now().UTC(),
	}

	for _, k := range contracts {
		summary.ContractedAmount = summary.ContractedAmount.Add(k.Amount)
		if k.Status == domain.StatusActive {
			summary.ActiveContracts++
		}

		guarantees, err := s.stores.Guarantees.ByContract(ctx, k.ID)
		if err != nil {
			return nil, err
		}
		for _, g := range guarantees {
			if g.Status == domain.GuaranteeReleased {
				continue
			}
			summary.GuaranteedAmount = summary.GuaranteedAmount.Add(g.Value)
		}
	}
	return summary, nil
}

func (s *PortfolioStore) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, summaryKey(id)); err != nil {
		s.logger.Warn("summary cache invalidation failed", zap.String("portfolio_id", id), zap.Error(err))
	}
}

func summaryKey(id string) string {
	return "summary:portfolio:" + id
}
