package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/cabhaggle/internal/dispatch/domain"
	"github.com/example/cabhaggle/internal/eta"
)

// Config configures the matcher behaviour.
type Config struct {
	RadiusKM float64
}

// Matcher produces ranked candidate lists for a rider position.
type Matcher struct {
	index   domain.LocationIndex
	catalog Catalog
	pricing Pricing
	eta     *eta.Estimator
	logger  *zap.Logger
	cfg     Config
}

// NewMatcher builds a matcher from its collaborators. Pricing defaults to a
// flat base-price quote and the estimator to 30 km/h.
func NewMatcher(index domain.LocationIndex, catalog Catalog, pricing Pricing, estimator *eta.Estimator, logger *zap.Logger, cfg Config) (*Matcher, error) {
	if index == nil {
		return nil, errors.New("location index is required")
	}
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if pricing == nil {
		pricing = FlatPricing
	}
	if estimator == nil {
		estimator = eta.New(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RadiusKM <= 0 {
		cfg.RadiusKM = 5
	}
	return &Matcher{index: index, catalog: catalog, pricing: pricing, eta: estimator, logger: logger, cfg: cfg}, nil
}

// RadiusKM returns the configured search radius.
func (m *Matcher) RadiusKM() float64 { return m.cfg.RadiusKM }

// Match returns up to maxResults candidates within the search radius ranked by
// price, then distance, then cab id. No drivers in range yields an empty list.
func (m *Matcher) Match(ctx context.Context, rider *domain.GeoPoint, maxResults int) ([]domain.Candidate, error) {
	start := time.Now()
	candidates, err := m.match(ctx, rider, maxResults)
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case len(candidates) == 0:
		result = "empty"
	}
	matchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	if err == nil {
		matchCandidates.Observe(float64(len(candidates)))
	}
	return candidates, err
}

func (m *Matcher) match(ctx context.Context, rider *domain.GeoPoint, maxResults int) ([]domain.Candidate, error) {
	if maxResults <= 0 {
		return nil, fmt.Errorf("%w: maxResults must be positive", domain.ErrInvalidArgument)
	}
	if rider == nil {
		return nil, domain.ErrNoLocation
	}

	hits, err := m.index.QueryNearby(ctx, *rider, m.cfg.RadiusKM)
	if err != nil {
		return nil, fmt.Errorf("query nearby: %w", err)
	}
	if len(hits) == 0 {
		return []domain.Candidate{}, nil
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.CabID)
	}
	profiles, err := m.catalog.Lookup(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup: %w", err)
	}

	candidates := make([]domain.Candidate, 0, len(hits))
	for _, h := range hits {
		if h.DistanceKM > m.cfg.RadiusKM {
			continue
		}
		cab, ok := profiles[h.CabID]
		if !ok {
			m.logger.Debug("skipping driver without fleet profile", zap.String("cab_id", h.CabID))
			continue
		}
		candidates = append(candidates, domain.Candidate{
			Cab:          cab,
			Price:        m.pricing.Quote(cab, h.DistanceKM),
			DistanceKM:   h.DistanceKM,
			PickupETASec: m.eta.Pickup(h.DistanceKM).Seconds(),
		})
	}

	Rank(candidates)
	if len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}
	return candidates, nil
}

// Rank sorts candidates ascending by price, distance and cab id.
func Rank(candidates []domain.Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		if a.DistanceKM != b.DistanceKM {
			return a.DistanceKM < b.DistanceKM
		}
		return a.Cab.ID < b.Cab.ID
	})
}
