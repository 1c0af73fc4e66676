package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/dejavu/internal/gate"
	"github.com/kalambet/dejavu/internal/pipeline"
	"github.com/kalambet/dejavu/internal/retrieval"
	"github.com/kalambet/dejavu/internal/storage"
)

const testToken = "test-token-12345"

type fakePipeline struct {
	reply      pipeline.Reply
	ack        gate.Ack
	err        error
	lastQuery  pipeline.Query
	lastOwner  string
	lastHelped bool
}

func (f *fakePipeline) SubmitQuery(_ context.Context, q pipeline.Query) (pipeline.Reply, error) {
	f.lastQuery = q
	return f.reply, f.err
}

func (f *fakePipeline) SubmitFeedback(_ context.Context, id, owner string, helpful bool) (gate.Ack, error) {
	f.lastOwner = owner
	f.lastHelped = helpful
	return f.ack, f.err
}

type fakePool struct {
	hits []PoolHit
	err  error
}

func (f *fakePool) Search(context.Context, string, int) ([]PoolHit, error) {
	return f.hits, f.err
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func setupHandler(t *testing.T, p *fakePipeline) (http.Handler, *storage.Store) {
	t.Helper()
	store := openStore(t)
	return NewHandler(Deps{
		Pipeline:     p,
		Store:        store,
		Pool:         &fakePool{},
		Token:        testToken,
		DefaultOwner: "local",
	}), store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func errorEnvelope(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding error body %q: %v", rr.Body.String(), err)
	}
	return env.Error
}

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupHandler(t, &fakePipeline{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupHandler(t, &fakePipeline{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth_Rejected(t *testing.T) {
	h, _ := setupHandler(t, &fakePipeline{})
	for _, token := range []string{"", "wrong"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/pool", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestQuery_PassesOwnerAndSession(t *testing.T) {
	p := &fakePipeline{reply: pipeline.Reply{ConversationID: "c1", Text: "hi", Route: storage.RouteFactual}}
	h, _ := setupHandler(t, p)

	req := authReq(http.MethodPost, "/v1/query", `{"text":"hello there","session_id":"s1"}`, testToken)
	req.Header.Set(OwnerHeader, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if p.lastQuery.OwnerID != "alice" || p.lastQuery.SessionID != "s1" || p.lastQuery.Text != "hello there" {
		t.Errorf("query = %+v", p.lastQuery)
	}
	if p.lastQuery.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	var reply pipeline.Reply
	if err := json.Unmarshal(rr.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.ConversationID != "c1" || reply.Route != storage.RouteFactual {
		t.Errorf("reply = %+v", reply)
	}
}

func TestQuery_DefaultOwner(t *testing.T) {
	p := &fakePipeline{}
	h, _ := setupHandler(t, p)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/query", `{"text":"x"}`, testToken))

	if p.lastQuery.OwnerID != "local" {
		t.Errorf("owner = %q, want default owner", p.lastQuery.OwnerID)
	}
}

func TestQuery_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      int
		errType   string
		retryable bool
	}{
		{"invalid", fmt.Errorf("%w: empty", pipeline.ErrInvalidInput), 400, "invalid_request_error", false},
		{"not found", fmt.Errorf("c: %w", storage.ErrNotFound), 404, "not_found", false},
		{"policy", pipeline.ErrPolicyViolation, 422, "policy_violation", false},
		{"provider", fmt.Errorf("%w: timeout", pipeline.ErrProviderUnavailable), 503, "unavailable", true},
		{"store", fmt.Errorf("%w: disk", pipeline.ErrStoreFailure), 503, "unavailable", true},
		{"embedding", retrieval.ErrEmbeddingUnavailable, 503, "unavailable", true},
		{"other", fmt.Errorf("boom"), 500, "api_error", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := setupHandler(t, &fakePipeline{err: tt.err})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/query", `{"text":"x"}`, testToken))

			if rr.Code != tt.code {
				t.Fatalf("status = %d, want %d", rr.Code, tt.code)
			}
			env := errorEnvelope(t, rr)
			if env["type"] != tt.errType {
				t.Errorf("type = %v, want %s", env["type"], tt.errType)
			}
			if got, _ := env["retryable"].(bool); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestQuery_BadBody(t *testing.T) {
	h, _ := setupHandler(t, &fakePipeline{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/query", `{not json`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestFeedback(t *testing.T) {
	p := &fakePipeline{ack: gate.Ack{ConversationID: "c1", Helpful: true, Outcome: storage.OutcomePublished, Published: 3}}
	h, _ := setupHandler(t, p)

	req := authReq(http.MethodPost, "/v1/feedback", `{"conversation_id":"c1","helpful":true}`, testToken)
	req.Header.Set(OwnerHeader, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if p.lastOwner != "alice" || !p.lastHelped {
		t.Errorf("owner=%q helpful=%v", p.lastOwner, p.lastHelped)
	}
	var ack gate.Ack
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.Outcome != storage.OutcomePublished || ack.Published != 3 {
		t.Errorf("ack = %+v", ack)
	}
}

func TestFeedback_MissingFields(t *testing.T) {
	h, _ := setupHandler(t, &fakePipeline{})
	for _, body := range []string{`{"helpful":true}`, `{"conversation_id":"c1"}`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/feedback", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
}

func saveConversation(t *testing.T, store *storage.Store, id, owner string, at time.Time) {
	t.Helper()
	err := store.SaveConversation(context.Background(), storage.Conversation{
		ID: id, OwnerID: owner, OriginalQuery: "query " + id, AIResponse: "answer " + id,
		Route: storage.RouteExperiential, Embedding: []float32{1, 0}, CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
}

func TestConversations_OwnerScoped(t *testing.T) {
	h, store := setupHandler(t, &fakePipeline{})
	now := time.Now()
	saveConversation(t, store, "a1", "alice", now.Add(-time.Minute))
	saveConversation(t, store, "a2", "alice", now)
	saveConversation(t, store, "b1", "bob", now)

	err := store.InsertDecoyBatch(context.Background(), []storage.Decoy{
		{ID: "d1", ConversationID: "a2", Content: "c", Response: "r", Embedding: []float32{1, 0}, Status: storage.DecoyPending, CreatedAt: now},
		{ID: "d2", ConversationID: "a2", Variant: 1, Content: "c", Response: "r", Embedding: []float32{1, 0}, Status: storage.DecoyPending, CreatedAt: now},
	})
	if err != nil {
		t.Fatalf("InsertDecoyBatch: %v", err)
	}

	req := authReq(http.MethodGet, "/v1/conversations", "", testToken)
	req.Header.Set(OwnerHeader, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var views []ConversationView
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 || views[0].ID != "a2" || views[1].ID != "a1" {
		t.Fatalf("views = %+v, want alice's two, newest first", views)
	}
	if views[0].Decoys.Pending != 2 {
		t.Errorf("pending decoys = %d, want 2", views[0].Decoys.Pending)
	}
	if views[0].Response != "" {
		t.Error("list view should not carry the response")
	}

	// Bob cannot read Alice's conversation.
	req = authReq(http.MethodGet, "/v1/conversations/a1", "", testToken)
	req.Header.Set(OwnerHeader, "bob")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("cross-owner status = %d, want 404", rr.Code)
	}

	req = authReq(http.MethodGet, "/v1/conversations/a1", "", testToken)
	req.Header.Set(OwnerHeader, "alice")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("owner status = %d", rr.Code)
	}
	var v ConversationView
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Response != "answer a1" {
		t.Errorf("response = %q", v.Response)
	}
}

func TestPool_ListAndSearch(t *testing.T) {
	store := openStore(t)
	pool := &fakePool{hits: []PoolHit{{GlobalDecoy: storage.GlobalDecoy{ID: "g9", Summary: "s"}, Score: 0.9}}}
	h := NewHandler(Deps{Pipeline: &fakePipeline{}, Store: store, Pool: pool, Token: testToken})

	err := store.InsertGlobalDecoy(context.Background(), storage.GlobalDecoy{
		ID: "g1", Content: "c", Response: "r", Summary: "s", Topics: []string{"moving"},
		Embedding: []float32{1, 0}, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertGlobalDecoy: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/pool", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var listed []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed) != 1 || listed[0]["id"] != "g1" {
		t.Fatalf("listed = %v", listed)
	}
	for _, forbidden := range []string{"owner_id", "conversation_id", "session_id", "embedding"} {
		if _, ok := listed[0][forbidden]; ok {
			t.Errorf("pool entry exposes %q", forbidden)
		}
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/pool?q=moving+cities&limit=3", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("search status = %d", rr.Code)
	}
	var hits []PoolHit
	if err := json.Unmarshal(rr.Body.Bytes(), &hits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "g9" || hits[0].Score != 0.9 {
		t.Errorf("hits = %+v", hits)
	}
}

func TestStatus(t *testing.T) {
	h, store := setupHandler(t, &fakePipeline{})
	if err := store.EnqueueJob(storage.Job{ID: "j1", Type: "decoy_generate", RefID: "c1", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/status", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var st StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.PoolSize != 0 || st.Jobs[storage.JobPending] != 1 {
		t.Errorf("status = %+v", st)
	}
}
