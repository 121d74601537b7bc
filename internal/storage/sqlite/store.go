// Package sqlite implements storage.Store on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/dealmark/internal/deal"
	"github.com/kalambet/dealmark/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding users, deals, analyses, and
// annotations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "dealmark.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Deals ---

func scanDeal(dst *deal.Deal, amount, stage, dtype, prob, createdate, closedate sql.NullString, activities string) error {
	dst.Amount = deal.Number(amount.String)
	dst.Stage = stage.String
	dst.Type = dtype.String
	dst.StageProbability = deal.Number(prob.String)
	dst.CreateDate = createdate.String
	dst.CloseDate = closedate.String
	if activities != "" {
		if err := json.Unmarshal([]byte(activities), &dst.Activities); err != nil {
			return fmt.Errorf("parsing activities for deal %s: %w", dst.ID, err)
		}
	}
	return nil
}

func (s *Store) Deals(ctx context.Context) (map[string]deal.Deal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deal_id, amount, dealstage, dealtype, deal_stage_probability, createdate, closedate, activities
		FROM deals ORDER BY deal_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deals := make(map[string]deal.Deal)
	for rows.Next() {
		var d deal.Deal
		var amount, stage, dtype, prob, createdate, closedate sql.NullString
		var activities string
		if err := rows.Scan(&d.ID, &amount, &stage, &dtype, &prob, &createdate, &closedate, &activities); err != nil {
			return nil, err
		}
		if err := scanDeal(&d, amount, stage, dtype, prob, createdate, closedate, activities); err != nil {
			return nil, err
		}
		deals[d.ID] = d
	}
	return deals, rows.Err()
}

func (s *Store) Deal(ctx context.Context, dealID string) (deal.Deal, error) {
	var d deal.Deal
	var amount, stage, dtype, prob, createdate, closedate sql.NullString
	var activities string
	err := s.db.QueryRowContext(ctx, `
		SELECT deal_id, amount, dealstage, dealtype, deal_stage_probability, createdate, closedate, activities
		FROM deals WHERE deal_id = ?`, dealID,
	).Scan(&d.ID, &amount, &stage, &dtype, &prob, &createdate, &closedate, &activities)
	if err == sql.ErrNoRows {
		return deal.Deal{}, storage.ErrNotFound
	}
	if err != nil {
		return deal.Deal{}, err
	}
	if err := scanDeal(&d, amount, stage, dtype, prob, createdate, closedate, activities); err != nil {
		return deal.Deal{}, err
	}
	return d, nil
}

func (s *Store) PutDeals(ctx context.Context, deals []deal.Deal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning deal load: %w", err)
	}
	defer tx.Rollback()

	for _, d := range deals {
		if d.ID == "" {
			return fmt.Errorf("deal without deal_id")
		}
		activities, err := json.Marshal(d.Activities)
		if err != nil {
			return fmt.Errorf("encoding activities for deal %s: %w", d.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deals (deal_id, amount, dealstage, dealtype, deal_stage_probability, createdate, closedate, activities)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(deal_id) DO UPDATE SET
				amount = excluded.amount,
				dealstage = excluded.dealstage,
				dealtype = excluded.dealtype,
				deal_stage_probability = excluded.deal_stage_probability,
				createdate = excluded.createdate,
				closedate = excluded.closedate,
				activities = excluded.activities`,
			d.ID, string(d.Amount), d.Stage, d.Type, string(d.StageProbability),
			d.CreateDate, d.CloseDate, string(activities),
		); err != nil {
			return fmt.Errorf("storing deal %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// --- Analyses ---

func (s *Store) Analysis(ctx context.Context, dealID string) (deal.Analysis, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM llm_outputs WHERE deal_id = ?`, dealID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return deal.Analysis{}, storage.ErrNotFound
	}
	if err != nil {
		return deal.Analysis{}, err
	}
	var a deal.Analysis
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return deal.Analysis{}, fmt.Errorf("parsing analysis for deal %s: %w", dealID, err)
	}
	return a, nil
}

func (s *Store) PutAnalyses(ctx context.Context, analyses []deal.Analysis) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning analysis load: %w", err)
	}
	defer tx.Rollback()

	for _, a := range analyses {
		if a.DealID == "" {
			return fmt.Errorf("analysis without deal_id")
		}
		payload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encoding analysis for deal %s: %w", a.DealID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO llm_outputs (deal_id, overall_sentiment, sentiment_score, confidence, payload)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(deal_id) DO UPDATE SET
				overall_sentiment = excluded.overall_sentiment,
				sentiment_score = excluded.sentiment_score,
				confidence = excluded.confidence,
				payload = excluded.payload`,
			a.DealID, a.OverallSentiment, a.SentimentScore, a.Confidence, string(payload),
		); err != nil {
			return fmt.Errorf("storing analysis for deal %s: %w", a.DealID, err)
		}
	}
	return tx.Commit()
}

// --- Users ---

func (s *Store) Users(ctx context.Context) ([]storage.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT email, name, is_admin, created_at FROM users ORDER BY created_at, email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(scan func(...any) error) (storage.User, error) {
	var u storage.User
	var createdAt string
	if err := scan(&u.Email, &u.Name, &u.IsAdmin, &createdAt); err != nil {
		return storage.User{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return storage.User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	u.CreatedAt = t
	return u, nil
}

func (s *Store) User(ctx context.Context, email string) (storage.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT email, name, is_admin, created_at FROM users WHERE email = ?`,
		storage.NormalizeEmail(email))
	u, err := scanUser(row.Scan)
	if err == sql.ErrNoRows {
		return storage.User{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.User{}, err
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u storage.User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, name, is_admin, created_at) VALUES (?, ?, ?, ?)`,
		storage.NormalizeEmail(u.Email), u.Name, u.IsAdmin, createdAt.UTC().Format(time.RFC3339))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return storage.ErrUserExists
	}
	return err
}

func (s *Store) DeleteUser(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE email = ?`, storage.NormalizeEmail(email))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Annotations ---

func (s *Store) AnnotatedDealIDs(ctx context.Context, email string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT deal_id FROM annotations WHERE user_email = ?`, storage.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (s *Store) AnnotationCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT deal_id, COUNT(*) FROM annotations GROUP BY deal_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (s *Store) Annotations(ctx context.Context) (map[string]map[string]storage.Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deal_id, user_email, ratings, time_spent_seconds, created_at
		FROM annotations ORDER BY deal_id, user_email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	anns := make(map[string]map[string]storage.Annotation)
	for rows.Next() {
		var dealID string
		var a storage.Annotation
		var ratings, createdAt string
		if err := rows.Scan(&dealID, &a.UserEmail, &ratings, &a.TimeSpentSeconds, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ratings), &a.Ratings); err != nil {
			return nil, fmt.Errorf("parsing ratings for deal %s user %s: %w", dealID, a.UserEmail, err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		a.Timestamp = t
		if anns[dealID] == nil {
			anns[dealID] = make(map[string]storage.Annotation)
		}
		anns[dealID][a.UserEmail] = a
	}
	return anns, rows.Err()
}

func (s *Store) PutAnnotation(ctx context.Context, dealID string, a storage.Annotation) error {
	ratings, err := json.Marshal(a.Ratings)
	if err != nil {
		return fmt.Errorf("encoding ratings: %w", err)
	}
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, deal_id, user_email, ratings, time_spent_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(deal_id, user_email) DO UPDATE SET
			ratings = excluded.ratings,
			time_spent_seconds = excluded.time_spent_seconds,
			created_at = excluded.created_at`,
		uuid.New().String(), dealID, storage.NormalizeEmail(a.UserEmail),
		string(ratings), a.TimeSpentSeconds, ts.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) DeleteUserAnnotations(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM annotations WHERE user_email = ?`, storage.NormalizeEmail(email))
	return err
}
