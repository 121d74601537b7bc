package storage

import (
	"context"
	"log/slog"

	"github.com/kalambet/dealmark/internal/deal"
)

// Mirrored wraps a primary store with a best-effort replica. All reads and
// the success/failure of every write come from the primary; the same write is
// then replayed to the mirror, and a mirror failure is logged and dropped so
// it can never fail a submission.
type Mirrored struct {
	primary Store
	mirror  Store
	logger  *slog.Logger
}

func NewMirrored(primary, mirror Store) *Mirrored {
	return &Mirrored{primary: primary, mirror: mirror, logger: slog.Default()}
}

func (m *Mirrored) Ping(ctx context.Context) error { return m.primary.Ping(ctx) }

func (m *Mirrored) Deals(ctx context.Context) (map[string]deal.Deal, error) {
	return m.primary.Deals(ctx)
}

func (m *Mirrored) Deal(ctx context.Context, dealID string) (deal.Deal, error) {
	return m.primary.Deal(ctx, dealID)
}

func (m *Mirrored) PutDeals(ctx context.Context, deals []deal.Deal) error {
	if err := m.primary.PutDeals(ctx, deals); err != nil {
		return err
	}
	if err := m.mirror.PutDeals(ctx, deals); err != nil {
		m.logger.Warn("mirror write failed", "op", "PutDeals", "error", err)
	}
	return nil
}

func (m *Mirrored) Analysis(ctx context.Context, dealID string) (deal.Analysis, error) {
	return m.primary.Analysis(ctx, dealID)
}

func (m *Mirrored) PutAnalyses(ctx context.Context, analyses []deal.Analysis) error {
	if err := m.primary.PutAnalyses(ctx, analyses); err != nil {
		return err
	}
	if err := m.mirror.PutAnalyses(ctx, analyses); err != nil {
		m.logger.Warn("mirror write failed", "op", "PutAnalyses", "error", err)
	}
	return nil
}

func (m *Mirrored) Users(ctx context.Context) ([]User, error) { return m.primary.Users(ctx) }

func (m *Mirrored) User(ctx context.Context, email string) (User, error) {
	return m.primary.User(ctx, email)
}

func (m *Mirrored) CreateUser(ctx context.Context, u User) error {
	if err := m.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	if err := m.mirror.CreateUser(ctx, u); err != nil {
		m.logger.Warn("mirror write failed", "op", "CreateUser", "email", u.Email, "error", err)
	}
	return nil
}

func (m *Mirrored) DeleteUser(ctx context.Context, email string) error {
	if err := m.primary.DeleteUser(ctx, email); err != nil {
		return err
	}
	if err := m.mirror.DeleteUser(ctx, email); err != nil {
		m.logger.Warn("mirror write failed", "op", "DeleteUser", "email", email, "error", err)
	}
	return nil
}

func (m *Mirrored) AnnotatedDealIDs(ctx context.Context, email string) (map[string]struct{}, error) {
	return m.primary.AnnotatedDealIDs(ctx, email)
}

func (m *Mirrored) AnnotationCounts(ctx context.Context) (map[string]int, error) {
	return m.primary.AnnotationCounts(ctx)
}

func (m *Mirrored) Annotations(ctx context.Context) (map[string]map[string]Annotation, error) {
	return m.primary.Annotations(ctx)
}

func (m *Mirrored) PutAnnotation(ctx context.Context, dealID string, a Annotation) error {
	if err := m.primary.PutAnnotation(ctx, dealID, a); err != nil {
		return err
	}
	if err := m.mirror.PutAnnotation(ctx, dealID, a); err != nil {
		m.logger.Warn("mirror write failed", "op", "PutAnnotation", "deal", dealID, "error", err)
	}
	return nil
}

func (m *Mirrored) DeleteUserAnnotations(ctx context.Context, email string) error {
	if err := m.primary.DeleteUserAnnotations(ctx, email); err != nil {
		return err
	}
	if err := m.mirror.DeleteUserAnnotations(ctx, email); err != nil {
		m.logger.Warn("mirror write failed", "op", "DeleteUserAnnotations", "email", email, "error", err)
	}
	return nil
}

func (m *Mirrored) Close() error {
	if err := m.mirror.Close(); err != nil {
		m.logger.Warn("closing mirror store", "error", err)
	}
	return m.primary.Close()
}
