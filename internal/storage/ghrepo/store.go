// Package ghrepo implements storage.Store on top of a GitHub repository:
// each collection is a JSON file and every write is a commit via the
// contents API. It serves both as a standalone backend and as the mirror
// target for best-effort replication.
package ghrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/kalambet/dealmark/internal/deal"
	"github.com/kalambet/dealmark/internal/storage"
)

const (
	usersPath       = "users.json"
	dealsPath       = "deals.json"
	analysesPath    = "llm_outputs.json"
	annotationsPath = "annotations.json"
)

// Options configures the repository backend. Repo is "owner/name". BaseURL
// overrides the API endpoint and is used by tests and GitHub Enterprise
// deployments.
type Options struct {
	Token   string
	Repo    string
	Branch  string
	BaseURL string
}

// Store commits collection files to a GitHub repository. The read-modify-
// write cycle of each mutation is serialized by a lock; cross-process races
// surface as 409s from the contents API and are returned to the caller.
type Store struct {
	client *github.Client
	owner  string
	repo   string
	branch string
	mu     sync.Mutex
}

func Open(opts Options) (*Store, error) {
	owner, repo, ok := strings.Cut(opts.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("github repo must be owner/name, got %q", opts.Repo)
	}
	branch := opts.Branch
	if branch == "" {
		branch = "main"
	}

	client := github.NewClient(nil)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("setting API base URL: %w", err)
		}
	}

	return &Store{client: client, owner: owner, repo: repo, branch: branch}, nil
}

func (s *Store) Close() error { return nil }

// Ping verifies the repository is reachable with the configured credentials.
func (s *Store) Ping(ctx context.Context) error {
	_, _, err := s.client.Repositories.Get(ctx, s.owner, s.repo)
	if err != nil {
		return fmt.Errorf("repository unreachable: %w", err)
	}
	return nil
}

// getFile returns the decoded content and blob SHA of path. A missing file
// is not an error: both return values are empty.
func (s *Store) getFile(ctx context.Context, path string) ([]byte, string, error) {
	fc, _, resp, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, path,
		&github.RepositoryContentGetOptions{Ref: s.branch})
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("fetching %s: %w", path, err)
	}
	if fc == nil {
		return nil, "", fmt.Errorf("%s is a directory, expected a file", path)
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, "", fmt.Errorf("decoding %s: %w", path, err)
	}
	return []byte(content), fc.GetSHA(), nil
}

// putFile commits data to path, creating the file when sha is empty.
func (s *Store) putFile(ctx context.Context, path string, data []byte, sha string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(fmt.Sprintf("Update %s - %s", path, time.Now().UTC().Format(time.RFC3339))),
		Content: data,
		Branch:  github.String(s.branch),
	}
	var err error
	if sha == "" {
		_, _, err = s.client.Repositories.CreateFile(ctx, s.owner, s.repo, path, opts)
	} else {
		opts.SHA = github.String(sha)
		_, _, err = s.client.Repositories.UpdateFile(ctx, s.owner, s.repo, path, opts)
	}
	if err != nil {
		return fmt.Errorf("committing %s: %w", path, err)
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, path string, sha string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return s.putFile(ctx, path, data, sha)
}

// --- Deals ---

func (s *Store) loadDeals(ctx context.Context) (map[string]deal.Deal, string, error) {
	raw, sha, err := s.getFile(ctx, dealsPath)
	if err != nil {
		return nil, "", err
	}
	deals, err := storage.DecodeDeals(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", dealsPath, err)
	}
	return deals, sha, nil
}

func (s *Store) Deals(ctx context.Context) (map[string]deal.Deal, error) {
	deals, _, err := s.loadDeals(ctx)
	return deals, err
}

func (s *Store) Deal(ctx context.Context, dealID string) (deal.Deal, error) {
	deals, _, err := s.loadDeals(ctx)
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
	deals, sha, err := s.loadDeals(ctx)
	if err != nil {
		return err
	}
	for _, d := range in {
		if d.ID == "" {
			return fmt.Errorf("deal without deal_id")
		}
		deals[d.ID] = d
	}
	return s.putJSON(ctx, dealsPath, sha, deals)
}

// --- Analyses ---

func (s *Store) loadAnalyses(ctx context.Context) (map[string]deal.Analysis, string, error) {
	raw, sha, err := s.getFile(ctx, analysesPath)
	if err != nil {
		return nil, "", err
	}
	analyses, err := storage.DecodeAnalyses(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", analysesPath, err)
	}
	return analyses, sha, nil
}

func (s *Store) Analysis(ctx context.Context, dealID string) (deal.Analysis, error) {
	analyses, _, err := s.loadAnalyses(ctx)
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
	analyses, sha, err := s.loadAnalyses(ctx)
	if err != nil {
		return err
	}
	for _, a := range in {
		if a.DealID == "" {
			return fmt.Errorf("analysis without deal_id")
		}
		analyses[a.DealID] = a
	}
	return s.putJSON(ctx, analysesPath, sha, analyses)
}

// --- Users ---

type usersDoc struct {
	Users []storage.User `json:"users"`
}

func (s *Store) loadUsers(ctx context.Context) (usersDoc, string, error) {
	raw, sha, err := s.getFile(ctx, usersPath)
	if err != nil {
		return usersDoc{}, "", err
	}
	var doc usersDoc
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return usersDoc{}, "", fmt.Errorf("parsing %s: %w", usersPath, err)
		}
	}
	return doc, sha, nil
}

func (s *Store) Users(ctx context.Context) ([]storage.User, error) {
	doc, _, err := s.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Users, nil
}

func (s *Store) User(ctx context.Context, email string) (storage.User, error) {
	doc, _, err := s.loadUsers(ctx)
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
	doc, sha, err := s.loadUsers(ctx)
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
	return s.putJSON(ctx, usersPath, sha, doc)
}

func (s *Store) DeleteUser(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, sha, err := s.loadUsers(ctx)
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
	return s.putJSON(ctx, usersPath, sha, doc)
}

// --- Annotations ---

func (s *Store) loadAnnotations(ctx context.Context) (map[string]map[string]storage.Annotation, string, error) {
	raw, sha, err := s.getFile(ctx, annotationsPath)
	if err != nil {
		return nil, "", err
	}
	anns := make(map[string]map[string]storage.Annotation)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &anns); err != nil {
			return nil, "", fmt.Errorf("parsing %s: %w", annotationsPath, err)
		}
	}
	return anns, sha, nil
}

func (s *Store) Annotations(ctx context.Context) (map[string]map[string]storage.Annotation, error) {
	anns, _, err := s.loadAnnotations(ctx)
	return anns, err
}

func (s *Store) AnnotatedDealIDs(ctx context.Context, email string) (map[string]struct{}, error) {
	anns, _, err := s.loadAnnotations(ctx)
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
	anns, _, err := s.loadAnnotations(ctx)
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
	anns, sha, err := s.loadAnnotations(ctx)
	if err != nil {
		return err
	}
	a.UserEmail = storage.NormalizeEmail(a.UserEmail)
	if anns[dealID] == nil {
		anns[dealID] = make(map[string]storage.Annotation)
	}
	anns[dealID][a.UserEmail] = a
	return s.putJSON(ctx, annotationsPath, sha, anns)
}

func (s *Store) DeleteUserAnnotations(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	anns, sha, err := s.loadAnnotations(ctx)
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
	return s.putJSON(ctx, annotationsPath, sha, anns)
}
