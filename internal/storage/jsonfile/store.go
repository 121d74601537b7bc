// Package jsonfile implements storage.Store over four flat JSON files in a
// data directory. It is the simplest backend and doubles as the test double
// for the HTTP layer.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kalambet/dealmark/internal/deal"
	"github.com/kalambet/dealmark/internal/storage"
)

const (
	usersFile       = "users.json"
	dealsFile       = "deals.json"
	analysesFile    = "llm_outputs.json"
	annotationsFile = "annotations.json"
)

// Store reads and writes JSON collections under dir. Writes are atomic
// (tmp + rename) and serialized by a single lock, which is the whole
// concurrency story for this backend.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// Open prepares a file store rooted at dir, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Close() error { return nil }

// Ping verifies the data directory is still accessible.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("data directory unavailable: %w", err)
	}
	return nil
}

// readRaw returns the raw bytes of name, or nil for a missing file so
// callers get their empty collection.
func (s *Store) readRaw(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// readJSON loads name into v. A missing file leaves v untouched so callers
// get their empty collection.
func (s *Store) readJSON(name string, v any) error {
	data, err := s.readRaw(name)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	return nil
}

// writeJSON writes v to name atomically.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", name, err)
	}
	return nil
}

// --- Deals ---

func (s *Store) loadDeals() (map[string]deal.Deal, error) {
	raw, err := s.readRaw(dealsFile)
	if err != nil {
		return nil, err
	}
	deals, err := storage.DecodeDeals(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dealsFile, err)
	}
	return deals, nil
}

func (s *Store) Deals(ctx context.Context) (map[string]deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadDeals()
}

func (s *Store) Deal(ctx context.Context, dealID string) (deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deals, err := s.loadDeals()
	if err != nil {
		return deal.Deal{}, err
	}
	d, ok := deals[dealID]
	if !ok {
		return deal.Deal{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *Store) PutDeals(ctx context.Context, in []deal.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deals, err := s.loadDeals()
	if err != nil {
		return err
	}
	for _, d := range in {
		if d.ID == "" {
			return fmt.Errorf("deal without deal_id")
		}
		deals[d.ID] = d
	}
	return s.writeJSON(dealsFile, deals)
}

// --- Analyses ---

func (s *Store) loadAnalyses() (map[string]deal.Analysis, error) {
	raw, err := s.readRaw(analysesFile)
	if err != nil {
		return nil, err
	}
	analyses, err := storage.DecodeAnalyses(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", analysesFile, err)
	}
	return analyses, nil
}

func (s *Store) Analysis(ctx context.Context, dealID string) (deal.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	analyses, err := s.loadAnalyses()
	if err != nil {
		return deal.Analysis{}, err
	}
	a, ok := analyses[dealID]
	if !ok {
		return deal.Analysis{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) PutAnalyses(ctx context.Context, in []deal.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	analyses, err := s.loadAnalyses()
	if err != nil {
		return err
	}
	for _, a := range in {
		if a.DealID == "" {
			return fmt.Errorf("analysis without deal_id")
		}
		analyses[a.DealID] = a
	}
	return s.writeJSON(analysesFile, analyses)
}

// --- Users ---

// usersDoc mirrors the on-disk {"users": [...]} wrapper.
type usersDoc struct {
	Users []storage.User `json:"users"`
}

func (s *Store) loadUsers() (usersDoc, error) {
	var doc usersDoc
	if err := s.readJSON(usersFile, &doc); err != nil {
		return usersDoc{}, err
	}
	return doc, nil
}

func (s *Store) Users(ctx context.Context) ([]storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, err := s.loadUsers()
	if err != nil {
		return nil, err
	}
	return doc.Users, nil
}

func (s *Store) User(ctx context.Context, email string) (storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, err := s.loadUsers()
	if err != nil {
		return storage.User{}, err
	}
	email = storage.NormalizeEmail(email)
	for _, u := range doc.Users {
		if storage.NormalizeEmail(u.Email) == email {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (s *Store) CreateUser(ctx context.Context, u storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadUsers()
	if err != nil {
		return err
	}
	u.Email = storage.NormalizeEmail(u.Email)
	for _, existing := range doc.Users {
		if storage.NormalizeEmail(existing.Email) == u.Email {
			return storage.ErrUserExists
		}
	}
	doc.Users = append(doc.Users, u)
	return s.writeJSON(usersFile, doc)
}

func (s *Store) DeleteUser(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadUsers()
	if err != nil {
		return err
	}
	email = storage.NormalizeEmail(email)
	kept := doc.Users[:0]
	found := false
	for _, u := range doc.Users {
		if storage.NormalizeEmail(u.Email) == email {
			found = true
			continue
		}
		kept = append(kept, u)
	}
	if !found {
		return storage.ErrNotFound
	}
	doc.Users = kept
	return s.writeJSON(usersFile, doc)
}

// --- Annotations ---

func (s *Store) loadAnnotations() (map[string]map[string]storage.Annotation, error) {
	anns := make(map[string]map[string]storage.Annotation)
	if err := s.readJSON(annotationsFile, &anns); err != nil {
		return nil, err
	}
	return anns, nil
}

func (s *Store) Annotations(ctx context.Context) (map[string]map[string]storage.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadAnnotations()
}

func (s *Store) AnnotatedDealIDs(ctx context.Context, email string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anns, err := s.loadAnnotations()
	if err != nil {
		return nil, err
	}
	email = storage.NormalizeEmail(email)
	ids := make(map[string]struct{})
	for dealID, byUser := range anns {
		if _, ok := byUser[email]; ok {
			ids[dealID] = struct{}{}
		}
	}
	return ids, nil
}

func (s *Store) AnnotationCounts(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anns, err := s.loadAnnotations()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(anns))
	for dealID, byUser := range anns {
		if len(byUser) > 0 {
			counts[dealID] = len(byUser)
		}
	}
	return counts, nil
}

func (s *Store) PutAnnotation(ctx context.Context, dealID string, a storage.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	anns, err := s.loadAnnotations()
	if err != nil {
		return err
	}
	a.UserEmail = storage.NormalizeEmail(a.UserEmail)
	if anns[dealID] == nil {
		anns[dealID] = make(map[string]storage.Annotation)
	}
	anns[dealID][a.UserEmail] = a
	return s.writeJSON(annotationsFile, anns)
}

func (s *Store) DeleteUserAnnotations(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	anns, err := s.loadAnnotations()
	if err != nil {
		return err
	}
	email = storage.NormalizeEmail(email)
	for dealID, byUser := range anns {
		if _, ok := byUser[email]; ok {
			delete(byUser, email)
			if len(byUser) == 0 {
				delete(anns, dealID)
			}
		}
	}
	return s.writeJSON(annotationsFile, anns)
}
