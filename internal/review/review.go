// Package review holds the assignment policy and progress accounting: which
// deal a reviewer gets next, how far along each reviewer and the whole
// collection effort are, and the submission path that records a rating.
//
// Every decision is recomputed from current storage contents on each call.
// Nothing is cached, so concurrently running instances stay consistent for
// free; the one tolerated race (two users handed the same least-annotated
// deal) is harmless because annotation writes are keyed by (deal, user).
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/dealmark/internal/deal"
	"github.com/kalambet/dealmark/internal/storage"
)

// ErrAlreadyCompleted is returned when a user submits a rating for a deal
// they have already annotated. Resubmission is rejected rather than
// overwritten, even though storage itself upserts.
var ErrAlreadyCompleted = errors.New("deal already completed by this user")

// Dimensions is the fixed checklist of analysis fields every submission must
// rate.
var Dimensions = []string{
	"overall_sentiment",
	"activity_breakdown",
	"deal_momentum_indicators",
	"reasoning",
	"professional_gaps",
	"excellence_indicators",
	"risk_indicators",
	"opportunity_indicators",
	"temporal_trend",
	"recommended_actions",
}

// ValidationError reports which rating dimensions were missing or lacked a
// score/confidence.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "missing required ratings: " + strings.Join(e.Missing, ", ")
}

// Progress summarizes one reviewer's standing. TotalDeals is the personal
// ceiling: deals this user completed plus deals still open to them (below
// the redundancy target), not the global deal count.
type Progress struct {
	CompletedCount   int      `json:"completed_count"`
	TotalDeals       int      `json:"total_deals"`
	CompletedDealIDs []string `json:"completed_deals"`
}

// AdminStats summarizes global coverage.
type AdminStats struct {
	TotalUsers       int `json:"total_users"`
	TotalDeals       int `json:"total_deals"`
	TotalAnnotations int `json:"total_annotations"`
	CompletedDeals   int `json:"completed_deals"`
	TargetPerDeal    int `json:"target_annotations_per_deal"`
}

// Service implements the policy over a storage collaborator. target is the
// number of independent annotations a deal needs before it is considered
// covered.
type Service struct {
	store  storage.Store
	target int
}

func NewService(store storage.Store, target int) *Service {
	if target < 1 {
		target = 1
	}
	return &Service{store: store, target: target}
}

// Target returns the configured redundancy target.
func (s *Service) Target() int { return s.target }

// readModel is the snapshot one assignment or progress decision works over.
type readModel struct {
	deals     map[string]deal.Deal
	completed map[string]struct{}
	counts    map[string]int
}

func (s *Service) loadReadModel(ctx context.Context, email string) (readModel, error) {
	var rm readModel
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rm.deals, err = s.store.Deals(gCtx)
		return err
	})
	g.Go(func() error {
		var err error
		rm.completed, err = s.store.AnnotatedDealIDs(gCtx, email)
		return err
	})
	g.Go(func() error {
		var err error
		rm.counts, err = s.store.AnnotationCounts(gCtx)
		return err
	})
	if err := g.Wait(); err != nil {
		return readModel{}, fmt.Errorf("loading annotation state: %w", err)
	}
	return rm, nil
}

// NextDeal selects the deal the user should annotate next: among deals the
// user has not completed and that are still below the redundancy target, the
// one with the fewest annotations, ties broken by smallest deal ID. ok is
// false when no work remains for this user; that is a normal result, not an
// error. Annotation counts for deals no longer in the deal set are ignored.
func (s *Service) NextDeal(ctx context.Context, email string) (string, bool, error) {
	rm, err := s.loadReadModel(ctx, email)
	if err != nil {
		return "", false, err
	}

	best := ""
	bestCount := 0
	for id := range rm.deals {
		if _, done := rm.completed[id]; done {
			continue
		}
		count := rm.counts[id]
		if count >= s.target {
			continue
		}
		if best == "" || count < bestCount || (count == bestCount && id < best) {
			best = id
			bestCount = count
		}
	}
	if best == "" {
		return "", false, nil
	}
	return best, true, nil
}

// ProgressFor computes the user's completed set and personal ceiling.
func (s *Service) ProgressFor(ctx context.Context, email string) (Progress, error) {
	rm, err := s.loadReadModel(ctx, email)
	if err != nil {
		return Progress{}, err
	}

	completed := make([]string, 0, len(rm.completed))
	for id := range rm.completed {
		completed = append(completed, id)
	}
	sort.Strings(completed)

	total := len(completed)
	for id := range rm.deals {
		if _, done := rm.completed[id]; done {
			continue
		}
		if rm.counts[id] < s.target {
			total++
		}
	}

	return Progress{
		CompletedCount:   len(completed),
		TotalDeals:       total,
		CompletedDealIDs: completed,
	}, nil
}

// Stats computes the global coverage summary for the admin dashboard.
func (s *Service) Stats(ctx context.Context) (AdminStats, error) {
	var (
		users  []storage.User
		deals  map[string]deal.Deal
		counts map[string]int
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = s.store.Users(gCtx)
		return err
	})
	g.Go(func() error {
		var err error
		deals, err = s.store.Deals(gCtx)
		return err
	})
	g.Go(func() error {
		var err error
		counts, err = s.store.AnnotationCounts(gCtx)
		return err
	})
	if err := g.Wait(); err != nil {
		return AdminStats{}, fmt.Errorf("loading stats: %w", err)
	}

	stats := AdminStats{
		TotalUsers:    len(users),
		TotalDeals:    len(deals),
		TargetPerDeal: s.target,
	}
	for _, n := range counts {
		stats.TotalAnnotations += n
	}
	for id := range deals {
		if counts[id] >= s.target {
			stats.CompletedDeals++
		}
	}
	return stats, nil
}

// SubmitRating validates and records one user's rating for a deal. All
// dimensions in Dimensions must carry a score and a confidence; missing ones
// are named in the returned ValidationError. A resubmission for a deal the
// user already annotated fails with ErrAlreadyCompleted. A storage failure
// on the write is the caller's failure: a lost rating is a data-loss bug.
func (s *Service) SubmitRating(ctx context.Context, email, dealID string, ratings map[string]storage.Rating, timeSpentSeconds int) error {
	if _, err := s.store.Deal(ctx, dealID); err != nil {
		return err
	}

	completed, err := s.store.AnnotatedDealIDs(ctx, email)
	if err != nil {
		return fmt.Errorf("loading completed deals: %w", err)
	}
	if _, done := completed[dealID]; done {
		return ErrAlreadyCompleted
	}

	clean := make(map[string]storage.Rating, len(Dimensions))
	var missing []string
	for _, dim := range Dimensions {
		r, ok := ratings[dim]
		if !ok || r.Score == nil || r.Confidence == nil {
			missing = append(missing, dim)
			continue
		}
		clean[dim] = r
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}

	return s.store.PutAnnotation(ctx, dealID, storage.Annotation{
		UserEmail:        storage.NormalizeEmail(email),
		Timestamp:        time.Now().UTC(),
		Ratings:          clean,
		TimeSpentSeconds: timeSpentSeconds,
	})
}
