package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/dealmark/internal/api"
	"github.com/kalambet/dealmark/internal/deal"
	"github.com/kalambet/dealmark/internal/review"
	"github.com/kalambet/dealmark/internal/storage"
	"github.com/kalambet/dealmark/internal/storage/jsonfile"
)

const testAdminPassword = "test-admin-password"

type fixture struct {
	t      *testing.T
	server *httptest.Server
	store  storage.Store
}

func newFixture(t *testing.T, target int) *fixture {
	t.Helper()
	store, err := jsonfile.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := api.NewHandler(api.Deps{
		Store:         store,
		Review:        review.NewService(store, target),
		Sessions:      api.NewSessions("test-secret", time.Hour),
		AdminPassword: testAdminPassword,
		Version:       "test",
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &fixture{t: t, server: srv, store: store}
}

func (f *fixture) addUser(email, name string, isAdmin bool) {
	f.t.Helper()
	err := f.store.CreateUser(context.Background(), storage.User{
		Email: email, Name: name, IsAdmin: isAdmin, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		f.t.Fatalf("creating user %s: %v", email, err)
	}
}

func (f *fixture) addDeals(ids ...string) {
	f.t.Helper()
	deals := make([]deal.Deal, 0, len(ids))
	for _, id := range ids {
		deals = append(deals, deal.Deal{ID: id, Stage: "presentationscheduled"})
	}
	if err := f.store.PutDeals(context.Background(), deals); err != nil {
		f.t.Fatalf("seeding deals: %v", err)
	}
}

// login returns the session cookie for email.
func (f *fixture) login(email string) *http.Cookie {
	f.t.Helper()
	resp := f.do("POST", "/login", nil, jsonBody(f.t, map[string]string{"email": email}))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.t.Fatalf("login as %s: status %d", email, resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "access_token" {
			return c
		}
	}
	f.t.Fatal("login response set no access_token cookie")
	return nil
}

func (f *fixture) do(method, path string, cookie *http.Cookie, body []byte, headers ...string) *http.Response {
	f.t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(body))
	if err != nil {
		f.t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		f.t.Fatal(err)
	}
	return resp
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

// errType extracts the error envelope type from a failed response.
func errType(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	decode(t, resp, &body)
	return body.Error.Type
}

func fullRatings() map[string]storage.Rating {
	score, conf := 4, 5
	ratings := make(map[string]storage.Rating, len(review.Dimensions))
	for _, dim := range review.Dimensions {
		ratings[dim] = storage.Rating{Score: &score, Confidence: &conf}
	}
	return ratings
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 3)
	resp := f.do("GET", "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health = %v", body)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	f := newFixture(t, 3)
	resp := f.do("POST", "/login", nil, jsonBody(t, map[string]string{"email": "stranger@example.com"}))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if got := errType(t, resp); got != "not_authenticated" {
		t.Errorf("error type = %q", got)
	}
}

func TestLoginIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, 3)
	f.addUser("ada@example.com", "Ada", false)

	cookie := f.login("ADA@Example.COM")
	if cookie.Value == "" {
		t.Fatal("empty session token")
	}
	if !cookie.HttpOnly {
		t.Error("session cookie is not HttpOnly")
	}

	resp := f.do("GET", "/api/me", cookie, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d", resp.StatusCode)
	}
	var me struct {
		User     storage.User    `json:"user"`
		Progress review.Progress `json:"progress"`
	}
	decode(t, resp, &me)
	if me.User.Email != "ada@example.com" {
		t.Errorf("me = %+v", me.User)
	}
}

func TestAPIRequiresSession(t *testing.T) {
	f := newFixture(t, 3)
	for _, path := range []string{"/api/me", "/api/next-deal", "/api/progress", "/api/deals/D1"} {
		resp := f.do("GET", path, nil, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s without session: status = %d, want 401", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	f := newFixture(t, 3)
	f.addUser("ada@example.com", "Ada", false)
	cookie := f.login("ada@example.com")
	cookie.Value += "x"

	resp := f.do("GET", "/api/me", cookie, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestDeletedUserLosesAccess(t *testing.T) {
	f := newFixture(t, 3)
	f.addUser("ada@example.com", "Ada", false)
	cookie := f.login("ada@example.com")

	if err := f.store.DeleteUser(context.Background(), "ada@example.com"); err != nil {
		t.Fatal(err)
	}

	resp := f.do("GET", "/api/me", cookie, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 after deletion", resp.StatusCode)
	}
}

func TestNextDealAndExhaustion(t *testing.T) {
	f := newFixture(t, 1)
	f.addUser("ada@example.com", "Ada", false)
	f.addDeals("D2", "D1")
	cookie := f.login("ada@example.com")

	resp := f.do("GET", "/api/next-deal", cookie, nil)
	var next struct {
		DealID  *string `json:"deal_id"`
		Message string  `json:"message"`
	}
	decode(t, resp, &next)
	if next.DealID == nil || *next.DealID != "D1" {
		t.Fatalf("next = %+v, want D1", next)
	}

	// Saturate both deals, then expect the null assignment.
	for _, id := range []string{"D1", "D2"} {
		r := f.do("POST", "/api/ratings", cookie, jsonBody(t, map[string]any{
			"deal_id": id, "ratings": fullRatings(), "time_spent_seconds": 30,
		}))
		if r.StatusCode != http.StatusOK {
			t.Fatalf("submit %s: status %d", id, r.StatusCode)
		}
		r.Body.Close()
	}

	resp = f.do("GET", "/api/next-deal", cookie, nil)
	decode(t, resp, &next)
	if next.DealID != nil {
		t.Errorf("after exhaustion next = %v, want null", *next.DealID)
	}
	if next.Message == "" {
		t.Error("exhaustion response has no message")
	}
}

func TestDealViewSortsActivities(t *testing.T) {
	f := newFixture(t, 3)
	f.addUser("ada@example.com", "Ada", false)
	err := f.store.PutDeals(context.Background(), []deal.Deal{{
		ID: "D1",
		Activities: []deal.Activity{
			{Type: deal.TypeNote, CreateDate: "2024-01-03T10:00:00Z"},
			{Type: deal.TypeEmail, SentAt: "2024-01-01T09:00:00Z"},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	cookie := f.login("ada@example.com")

	resp := f.do("GET", "/api/deals/D1", cookie, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got deal.Deal
	decode(t, resp, &got)
	if len(got.Activities) != 2 || got.Activities[0].Type != deal.TypeEmail {
		t.Errorf("activities not chronological: %+v", got.Activities)
	}
}

func TestDealViewConflictsWhenCompleted(t *testing.T) {
	f := newFixture(t, 3)
	f.addUser("ada@example.com", "Ada", false)
	f.addDeals("D1")
	cookie := f.login("ada@example.com")

	r := f.do("POST", "/api/ratings", cookie, jsonBody(t, map[string]any{
		"deal_id": "D1", "ratings": fullRatings(), "time_spent_seconds": 10,
	}))
	r.Body.Close()

	resp := f.do("GET", "/api/deals/D1", cookie, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if got := errType(t, resp); got != "already_completed" {
		t.Errorf("error type = %q", got)
	}
}

func TestAnalysisNotReady(t *testing.T) {
	f := newFixture(t, 3)
	f.addUser("ada@example.com", "Ada", false)
	f.addDeals("D1")
	cookie := f.login("ada@example.com")

	resp := f.do("GET", "/api/deals/D1/analysis", cookie, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	err := f.store.PutAnalyses(context.Background(), []deal.Analysis{
		{DealID: "D1", OverallSentiment: "positive", SentimentScore: 0.6},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp = f.do("GET", "/api/deals/D1/analysis", cookie, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d after load", resp.StatusCode)
	}
	var a deal.Analysis
	decode(t, resp, &a)
	if a.OverallSentiment != "positive" {
		t.Errorf("analysis = %+v", a)
	}
}

func TestSubmitRatingFlow(t *testing.T) {
	f := newFixture(t, 3)
	f.addUser("ada@example.com", "Ada", false)
	f.addDeals("D1", "D2")
	cookie := f.login("ada@example.com")

	resp := f.do("POST", "/api/ratings", cookie, jsonBody(t, map[string]any{
		"deal_id": "D1", "ratings": fullRatings(), "time_spent_seconds": 42,
	}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Message  string  `json:"message"`
		NextDeal *string `json:"next_deal"`
	}
	decode(t, resp, &out)
	if out.NextDeal == nil || *out.NextDeal != "D2" {
		t.Errorf("next_deal = %v, want D2", out.NextDeal)
	}

	// Resubmission conflicts.
	resp = f.do("POST", "/api/ratings", cookie, jsonBody(t, map[string]any{
		"deal_id": "D1", "ratings": fullRatings(),
	}))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("resubmit status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// Unknown deal.
	resp = f.do("POST", "/api/ratings", cookie, jsonBody(t, map[string]any{
		"deal_id": "nope", "ratings": fullRatings(),
	}))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown deal status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubmitRatingValidation(t *testing.T) {
	f := newFixture(t, 3)
	f.addUser("ada@example.com", "Ada", false)
	f.addDeals("D1")
	cookie := f.login("ada@example.com")

	ratings := fullRatings()
	delete(ratings, "temporal_trend")

	resp := f.do("POST", "/api/ratings", cookie, jsonBody(t, map[string]any{
		"deal_id": "D1", "ratings": ratings,
	}))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	decode(t, resp, &body)
	if body.Error.Type != "validation_error" || !strings.Contains(body.Error.Message, "temporal_trend") {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestAdminPasswordHeader(t *testing.T) {
	f := newFixture(t, 3)

	resp := f.do("GET", "/admin/stats", nil, nil, "X-Admin-Password", testAdminPassword)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats review.AdminStats
	decode(t, resp, &stats)
	if stats.TargetPerDeal != 3 {
		t.Errorf("stats = %+v", stats)
	}

	resp = f.do("GET", "/admin/stats", nil, nil, "X-Admin-Password", "wrong")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminSessionGating(t *testing.T) {
	f := newFixture(t, 3)
	f.addUser("ada@example.com", "Ada", true)
	f.addUser("bob@example.com", "Bob", false)

	adminCookie := f.login("ada@example.com")
	resp := f.do("GET", "/admin/stats", adminCookie, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin session status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// A valid but non-admin session is forbidden, not unauthenticated.
	userCookie := f.login("bob@example.com")
	resp = f.do("GET", "/admin/stats", userCookie, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", resp.StatusCode)
	}
	if got := errType(t, resp); got != "not_authorized" {
		t.Errorf("error type = %q", got)
	}

	resp = f.do("GET", "/admin/stats", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminUserLifecycle(t *testing.T) {
	f := newFixture(t, 2)
	f.addDeals("D1")

	resp := f.do("POST", "/admin/users", nil, jsonBody(t, map[string]any{
		"email": "New@Example.com", "name": "New", "is_admin": false,
	}), "X-Admin-Password", testAdminPassword)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created storage.User
	decode(t, resp, &created)
	if created.Email != "new@example.com" {
		t.Errorf("created = %+v", created)
	}

	// Duplicate is a conflict.
	resp = f.do("POST", "/admin/users", nil, jsonBody(t, map[string]any{
		"email": "new@example.com", "name": "Dup",
	}), "X-Admin-Password", testAdminPassword)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// Listing includes per-user progress.
	resp = f.do("GET", "/admin/users", nil, nil, "X-Admin-Password", testAdminPassword)
	var list []struct {
		Email          string `json:"email"`
		CompletedCount int    `json:"completed_count"`
		TotalDeals     int    `json:"total_deals"`
	}
	decode(t, resp, &list)
	if len(list) != 1 || list[0].Email != "new@example.com" || list[0].TotalDeals != 1 {
		t.Errorf("list = %+v", list)
	}

	// Deletion drops the user's annotations by default.
	if err := f.store.PutAnnotation(context.Background(), "D1", storage.Annotation{UserEmail: "new@example.com"}); err != nil {
		t.Fatal(err)
	}
	resp = f.do("DELETE", "/admin/users/new@example.com", nil, nil, "X-Admin-Password", testAdminPassword)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	counts, err := f.store.AnnotationCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Errorf("annotations survived deletion: %v", counts)
	}
}

func TestAdminDeleteUserKeepProgress(t *testing.T) {
	f := newFixture(t, 2)
	f.addUser("ada@example.com", "Ada", false)
	f.addDeals("D1")
	if err := f.store.PutAnnotation(context.Background(), "D1", storage.Annotation{UserEmail: "ada@example.com"}); err != nil {
		t.Fatal(err)
	}

	resp := f.do("DELETE", "/admin/users/ada@example.com?keep_progress=true", nil, nil,
		"X-Admin-Password", testAdminPassword)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	counts, err := f.store.AnnotationCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts["D1"] != 1 {
		t.Errorf("kept annotations lost: %v", counts)
	}
}

func TestAdminBulkLoad(t *testing.T) {
	f := newFixture(t, 3)

	deals := `[{"deal_id":"D1","dealstage":"closedwon","activities":[]},{"deal_id":"D2","activities":[]}]`
	resp := f.do("PUT", "/admin/deals", nil, []byte(deals), "X-Admin-Password", testAdminPassword)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load deals status = %d", resp.StatusCode)
	}
	var out map[string]int
	decode(t, resp, &out)
	if out["loaded"] != 2 {
		t.Errorf("loaded = %d, want 2", out["loaded"])
	}

	// Object-keyed analyses load too.
	analyses := `{"D1":{"deal_id":"D1","overall_sentiment":"neutral"}}`
	resp = f.do("PUT", "/admin/outputs", nil, []byte(analyses), "X-Admin-Password", testAdminPassword)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load outputs status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	a, err := f.store.Analysis(context.Background(), "D1")
	if err != nil {
		t.Fatal(err)
	}
	if a.OverallSentiment != "neutral" {
		t.Errorf("analysis = %+v", a)
	}

	// Malformed payload is a client error.
	resp = f.do("PUT", "/admin/deals", nil, []byte(`[{"deal_id":`), "X-Admin-Password", testAdminPassword)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed load status = %d, want 400", resp.StatusCode)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	f := newFixture(t, 3)
	f.addUser("ada@example.com", "Ada", false)
	_ = f.login("ada@example.com")

	resp := f.do("POST", "/logout", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	cleared := false
	for _, c := range resp.Cookies() {
		if c.Name == "access_token" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("logout did not clear the session cookie")
	}
}

func TestSessionExpiry(t *testing.T) {
	sessions := api.NewSessions("secret", time.Millisecond)
	token, err := sessions.Issue("ada@example.com")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := sessions.Verify(token); err == nil {
		t.Error("expired token verified")
	}
}

func TestSessionVerify(t *testing.T) {
	sessions := api.NewSessions("secret", time.Hour)
	token, err := sessions.Issue("Ada@Example.com")
	if err != nil {
		t.Fatal(err)
	}
	email, err := sessions.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if email != "ada@example.com" {
		t.Errorf("subject = %q", email)
	}

	other := api.NewSessions("different-secret", time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Error("token verified under a different secret")
	}

	if _, err := sessions.Verify("not.a.token"); err == nil {
		t.Error("garbage token verified")
	}
}
