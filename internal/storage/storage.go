// Package storage defines the persistence contract shared by the JSON-file,
// SQLite, and GitHub-repository backends, plus the record types they store.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kalambet/dealmark/internal/deal"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUserExists is returned by CreateUser for a duplicate email.
var ErrUserExists = errors.New("user already exists")

// User is a reviewer allowed to log in. Email is the unique key and compares
// case-insensitively; backends store it lowercased.
type User struct {
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Rating is one reviewer's judgment of a single analysis dimension.
type Rating struct {
	Score      *int   `json:"score"`
	Confidence *int   `json:"confidence"`
	Notes      string `json:"notes"`
}

// Annotation is one user's full rating submission for one deal. At most one
// exists per (deal, user); a re-submission replaces the prior record.
type Annotation struct {
	UserEmail        string            `json:"user_email"`
	Timestamp        time.Time         `json:"timestamp"`
	Ratings          map[string]Rating `json:"ratings"`
	TimeSpentSeconds int               `json:"time_spent_seconds"`
}

// Store is the persistence collaborator the rest of the system is written
// against. Deal and analysis collections are bulk-loaded and read back whole;
// annotations and users are mutated one record at a time.
type Store interface {
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Deals(ctx context.Context) (map[string]deal.Deal, error)
	Deal(ctx context.Context, dealID string) (deal.Deal, error)
	PutDeals(ctx context.Context, deals []deal.Deal) error

	Analysis(ctx context.Context, dealID string) (deal.Analysis, error)
	PutAnalyses(ctx context.Context, analyses []deal.Analysis) error

	Users(ctx context.Context) ([]User, error)
	User(ctx context.Context, email string) (User, error)
	CreateUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, email string) error

	// AnnotatedDealIDs returns the set of deals the user has annotated.
	AnnotatedDealIDs(ctx context.Context, email string) (map[string]struct{}, error)
	// AnnotationCounts maps deal ID to its current number of annotations.
	// Deals with no annotations are absent.
	AnnotationCounts(ctx context.Context) (map[string]int, error)
	// Annotations returns all annotations keyed by deal ID then user email.
	Annotations(ctx context.Context) (map[string]map[string]Annotation, error)
	// PutAnnotation upserts the annotation keyed by (dealID, a.UserEmail).
	PutAnnotation(ctx context.Context, dealID string, a Annotation) error
	DeleteUserAnnotations(ctx context.Context, email string) error

	Close() error
}

// NormalizeEmail lowercases and trims an email for use as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
