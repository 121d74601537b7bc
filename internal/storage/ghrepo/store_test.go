package ghrepo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/dealmark/internal/deal"
	"github.com/kalambet/dealmark/internal/storage"
)

// fakeRepo emulates the subset of the GitHub contents API the store uses:
// GetContents, CreateFile, UpdateFile, and the repository probe.
type fakeRepo struct {
	mu       sync.Mutex
	files    map[string][]byte
	shas     map[string]string
	nextSHA  int
	messages []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{files: make(map[string][]byte), shas: make(map[string]string)}
}

func (f *fakeRepo) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v3/repos/acme/annotations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fmt.Fprint(w, `{"name":"annotations","full_name":"acme/annotations"}`)
	})

	// Go 1.21's ServeMux has no method or wildcard patterns, so a single
	// subtree handler dispatches on method and trims the prefix by hand.
	getContents := func(w http.ResponseWriter, r *http.Request, path string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		data, ok := f.files[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
			return
		}
		resp := map[string]any{
			"type":     "file",
			"name":     path,
			"path":     path,
			"sha":      f.shas[path],
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString(data),
		}
		json.NewEncoder(w).Encode(resp)
	}

	putContents := func(w http.ResponseWriter, r *http.Request, path string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req struct {
			Message string `json:"message"`
			Content string `json:"content"`
			SHA     string `json:"sha"`
			Branch  string `json:"branch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad commit request for %s: %v", path, err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.SHA != f.shas[path] {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"message":"sha does not match"}`)
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			t.Errorf("content for %s is not base64: %v", path, err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.nextSHA++
		f.files[path] = data
		f.shas[path] = fmt.Sprintf("sha-%d", f.nextSHA)
		f.messages = append(f.messages, req.Message)
		fmt.Fprintf(w, `{"content":{"sha":%q}}`, f.shas[path])
	}

	mux.HandleFunc("/api/v3/repos/acme/annotations/contents/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/v3/repos/acme/annotations/contents/")
		switch r.Method {
		case http.MethodGet:
			getContents(w, r, path)
		case http.MethodPut:
			putContents(w, r, path)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	return mux
}

func newTestStore(t *testing.T) (*Store, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	srv := httptest.NewServer(repo.handler(t))
	t.Cleanup(srv.Close)

	s, err := Open(Options{
		Token:   "test-token",
		Repo:    "acme/annotations",
		Branch:  "main",
		BaseURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	return s, repo
}

func TestOpenRejectsBadRepo(t *testing.T) {
	for _, repo := range []string{"", "noslash", "/name", "owner/"} {
		if _, err := Open(Options{Repo: repo}); err == nil {
			t.Errorf("Open accepted repo %q", repo)
		}
	}
}

func TestPing(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMissingFilesAreEmptyCollections(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	deals, err := s.Deals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(deals) != 0 {
		t.Errorf("empty repo has %d deals", len(deals))
	}
	if _, err := s.Deal(ctx, "D1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	users, err := s.Users(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 {
		t.Errorf("empty repo has %d users", len(users))
	}
}

func TestDealCommitCycle(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()

	// First write creates the file, second updates it against the new SHA.
	if err := s.PutDeals(ctx, []deal.Deal{{ID: "D1", Stage: "contractsent"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutDeals(ctx, []deal.Deal{{ID: "D2"}}); err != nil {
		t.Fatal(err)
	}

	deals, err := s.Deals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(deals) != 2 {
		t.Fatalf("%d deals, want 2", len(deals))
	}
	if deals["D1"].Stage != "contractsent" {
		t.Errorf("D1 = %+v", deals["D1"])
	}

	if len(repo.messages) != 2 {
		t.Fatalf("%d commits, want 2", len(repo.messages))
	}
	for _, msg := range repo.messages {
		if !strings.HasPrefix(msg, "Update deals.json - ") {
			t.Errorf("commit message = %q", msg)
		}
	}
}

func TestUserAndAnnotationCycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, storage.User{Email: "Ada@Example.com", Name: "Ada"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser(ctx, storage.User{Email: "ada@example.com", Name: "Dup"}); !errors.Is(err, storage.ErrUserExists) {
		t.Errorf("duplicate err = %v, want ErrUserExists", err)
	}
	u, err := s.User(ctx, "ADA@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if u.Email != "ada@example.com" {
		t.Errorf("User = %+v", u)
	}

	if err := s.PutAnnotation(ctx, "D1", storage.Annotation{UserEmail: "ada@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutAnnotation(ctx, "D1", storage.Annotation{UserEmail: "bob@example.com"}); err != nil {
		t.Fatal(err)
	}
	counts, err := s.AnnotationCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["D1"] != 2 {
		t.Errorf("counts[D1] = %d, want 2", counts["D1"])
	}

	if err := s.DeleteUser(ctx, "ada@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteUserAnnotations(ctx, "ada@example.com"); err != nil {
		t.Fatal(err)
	}
	ids, err := s.AnnotatedDealIDs(ctx, "ada@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("annotations survived user removal: %v", ids)
	}
}

func TestExternalCommitPickedUp(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()

	if err := s.PutDeals(ctx, []deal.Deal{{ID: "D1"}}); err != nil {
		t.Fatal(err)
	}

	// Another writer commits behind our back.
	repo.mu.Lock()
	repo.shas["deals.json"] = "sha-external"
	repo.files["deals.json"] = []byte(`{}`)
	repo.mu.Unlock()

	// Each mutation re-reads content and SHA, so the next write lands on the
	// external commit instead of failing with a stale SHA.
	if err := s.PutDeals(ctx, []deal.Deal{{ID: "D2"}}); err != nil {
		t.Fatalf("read-modify-write did not pick up external SHA: %v", err)
	}
	deals, err := s.Deals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := deals["D1"]; ok {
		t.Errorf("write was not based on the external content: %v", deals)
	}
}
