package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/multihop/internal/pipeline"
	"github.com/starford/multihop/internal/sse"
	"github.com/starford/multihop/internal/testutil"
)

// testEnv wires a pipeline over temp storage and mounts the router.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) (*testutil.Env, http.Handler) {
	t.Helper()
	env, router, _ := testEnvWithBroker(t, authToken)
	return env, router
}

func testEnvWithBroker(t *testing.T, authToken string) (*testutil.Env, http.Handler, *sse.Broker) {
	t.Helper()
	broker := sse.NewBroker(10 * time.Millisecond)
	t.Cleanup(broker.Close)
	env := testutil.TestPipeline(t, testutil.WithNotifier(broker.PublishDocumentEvent))
	router := NewRouter(env.Pipeline, authToken != "", authToken, broker)
	return env, router, broker
}

type part struct {
	name string
	data []byte
}

func upload(t *testing.T, router http.Handler, files ...part) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		w, err := mw.CreateFormFile("file", f.name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(w, bytes.NewReader(f.data))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func do(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestUploadAndList(t *testing.T) {
	env, router := testEnv(t, "")

	w := upload(t, router, part{"notes.txt", []byte("The meeting is on Monday.")})
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[UploadResponse](t, w)
	if len(resp.Results) != 1 || resp.Results[0].Outcome != "added" || resp.Results[0].Fingerprint == "" {
		t.Fatalf("results = %+v", resp.Results)
	}

	// Mirrored into the documents directory.
	if _, err := os.Stat(filepath.Join(env.DocsDir, "notes.txt")); err != nil {
		t.Errorf("file not on disk: %v", err)
	}

	w = do(router, http.MethodGet, "/documents", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	list := decode[DocumentListResponse](t, w)
	if list.Total != 1 || list.Documents[0].Name != "notes.txt" {
		t.Errorf("list = %+v", list)
	}

	w = do(router, http.MethodGet, "/documents/"+resp.Results[0].Fingerprint, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get = %d", w.Code)
	}
}

func TestUpload_Rejections(t *testing.T) {
	_, router := testEnv(t, "")

	cases := []struct {
		name string
		file part
		want int
	}{
		{"unsupported type", part{"tool.exe", []byte("MZ")}, http.StatusUnsupportedMediaType},
		{"empty text", part{"blank.txt", []byte("   \n")}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := upload(t, router, tc.file)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestUpload_TooLarge(t *testing.T) {
	env := testutil.TestPipeline(t, testutil.WithConfig(func(c *pipeline.Config) { c.MaxDocumentBytes = 16 }))
	router := NewRouter(env.Pipeline, false, "", nil)

	w := upload(t, router, part{"big.txt", []byte(strings.Repeat("word ", 10))})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestUpload_MissingFileField(t *testing.T) {
	_, router := testEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("other", "value")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing field = %d, want 400", w.Code)
	}
}

func TestUpload_BatchReportsEachFile(t *testing.T) {
	_, router := testEnv(t, "")

	w := upload(t, router,
		part{"a.txt", []byte("Alice lives in Paris.")},
		part{"b.exe", []byte("nope")},
		part{"c.md", []byte("# Notes\nBob lives in Rome.")},
	)
	if w.Code != http.StatusOK {
		t.Fatalf("batch = %d", w.Code)
	}
	resp := decode[UploadResponse](t, w)
	if len(resp.Results) != 3 {
		t.Fatalf("results = %d", len(resp.Results))
	}
	want := []int{http.StatusCreated, http.StatusUnsupportedMediaType, http.StatusCreated}
	for i, item := range resp.Results {
		if item.Status != want[i] {
			t.Errorf("%s status = %d, want %d", item.Name, item.Status, want[i])
		}
	}
}

func TestDuplicateUploadAndResolve(t *testing.T) {
	_, router := testEnv(t, "")
	content := []byte("The budget is 40000 euros.")

	first := decode[UploadResponse](t, upload(t, router, part{"budget.txt", content}))
	fp := first.Results[0].Fingerprint

	w := upload(t, router, part{"budget-copy.txt", content})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate = %d, want 409", w.Code)
	}
	dup := decode[UploadResponse](t, w)
	if dup.Results[0].Document == nil || dup.Results[0].Document.Name != "budget.txt" {
		t.Errorf("duplicate should carry existing metadata: %+v", dup.Results[0])
	}

	pending := decode[PendingResponse](t, do(router, http.MethodGet, "/documents/pending", nil))
	if len(pending.Pending) != 1 || pending.Pending[0].Fingerprint != fp {
		t.Fatalf("pending = %+v", pending)
	}

	w = do(router, http.MethodPost, "/documents/"+fp+"/resolve", map[string]string{"action": "shred"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad action = %d, want 400", w.Code)
	}

	w = do(router, http.MethodPost, "/documents/"+fp+"/resolve", map[string]string{"action": "replace"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[pipeline.IngestResult](t, w)
	if res.Outcome != pipeline.OutcomeReplaced || res.Fingerprint != fp || res.Document.Name != "budget-copy.txt" {
		t.Errorf("resolve result = %+v", res)
	}

	// Nothing left to resolve.
	w = do(router, http.MethodPost, "/documents/"+fp+"/resolve", map[string]string{"action": "skip"})
	if w.Code != http.StatusNotFound {
		t.Errorf("second resolve = %d, want 404", w.Code)
	}

	list := decode[DocumentListResponse](t, do(router, http.MethodGet, "/documents", nil))
	if list.Total != 1 {
		t.Errorf("documents = %d, want 1", list.Total)
	}
}

func TestRemoveDocument(t *testing.T) {
	_, router := testEnv(t, "")
	up := decode[UploadResponse](t, upload(t, router, part{"x.txt", []byte("Carol works in Berlin.")}))
	fp := up.Results[0].Fingerprint

	w := do(router, http.MethodDelete, "/documents/"+fp, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	w = do(router, http.MethodDelete, "/documents/"+fp, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
	w = do(router, http.MethodGet, "/documents/"+fp, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get removed = %d, want 404", w.Code)
	}
}

func TestListDocuments_Sort(t *testing.T) {
	env, router := testEnv(t, "")
	env.Ingest(t, "old.txt", "Old news about Alice.")
	env.Clock.Advance(time.Hour)
	env.Ingest(t, "new.txt", "New news about Bob.")

	list := decode[DocumentListResponse](t, do(router, http.MethodGet, "/documents?sort=uploaded", nil))
	if list.Total != 2 || list.Documents[0].Name != "new.txt" {
		t.Errorf("uploaded order = %+v", list.Documents)
	}
	list = decode[DocumentListResponse](t, do(router, http.MethodGet, "/documents", nil))
	if list.Documents[0].Name != "old.txt" {
		t.Errorf("insertion order = %+v", list.Documents)
	}

	w := do(router, http.MethodGet, "/documents?sort=size", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad sort = %d, want 400", w.Code)
	}
}

func TestAsk(t *testing.T) {
	env, router := testEnv(t, "")
	env.Ingest(t, "d1.txt", "The meeting is on Monday.")
	env.Clock.Advance(time.Hour)
	env.Ingest(t, "d2.txt", "The meeting was moved to Wednesday.")

	w := do(router, http.MethodPost, "/query", AskRequest{Query: "When is the meeting?", Debug: true})
	if w.Code != http.StatusOK {
		t.Fatalf("ask = %d, body = %s", w.Code, w.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if !strings.Contains(body["answer"].(string), "Wednesday") {
		t.Errorf("answer = %v", body["answer"])
	}
	if chunks, _ := body["retrieved_chunks"].([]any); len(chunks) == 0 {
		t.Errorf("debug chunks missing: %v", body["retrieved_chunks"])
	}

	hist := decode[HistoryResponse](t, do(router, http.MethodGet, "/history", nil))
	if len(hist.Queries) != 1 || hist.Queries[0].Query != "When is the meeting?" {
		t.Errorf("history = %+v", hist.Queries)
	}
}

func TestAsk_Validation(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(router, http.MethodPost, "/query", AskRequest{Query: "   "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank query = %d, want 400", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d, want 400", rec.Code)
	}
}

func TestAsk_EmptyCollection(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(router, http.MethodPost, "/query", AskRequest{Query: "Anything there?"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("empty = %d, want 503", w.Code)
	}
	if got := decode[errResponse](t, w); got.Error != pipeline.NoDocumentsGuidance {
		t.Errorf("error = %q", got.Error)
	}
}

func TestAsk_EmbeddingUnavailable(t *testing.T) {
	env := testutil.TestPipeline(t, testutil.WithEmbedder(testutil.UnavailableEmbedder{Dims: testutil.Dims}))
	router := NewRouter(env.Pipeline, false, "", nil)

	w := upload(t, router, part{"a.txt", []byte("Some text.")})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("upload = %d, want 503", w.Code)
	}
}

func TestSelfTest(t *testing.T) {
	env, router := testEnv(t, "")

	w := do(router, http.MethodPost, "/selftest", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("selftest empty = %d", w.Code)
	}
	if res := decode[pipeline.SelfTestResult](t, w); !res.OK || res.Answer != pipeline.NoDocumentsGuidance {
		t.Errorf("empty selftest = %+v", res)
	}

	env.Ingest(t, "hello.txt", "Hello, the assistant is working today.")
	w = do(router, http.MethodPost, "/selftest", nil)
	if res := decode[pipeline.SelfTestResult](t, w); !res.OK || res.Answer == "" {
		t.Errorf("selftest = %+v", res)
	}
}

func TestRebuild_WaitPublishesProgress(t *testing.T) {
	env, router, broker := testEnvWithBroker(t, "")
	env.Ingest(t, "a.txt", "Alice visited Paris in 2019. Bob stayed home.")
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	w := do(router, http.MethodPost, "/index/rebuild?wait=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rebuild = %d, body = %s", w.Code, w.Body.String())
	}
	if res := decode[RebuildResponse](t, w); res.Stage != pipeline.StageCompleted {
		t.Errorf("rebuild = %+v", res)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-ch:
			s := string(msg)
			if strings.Contains(s, "event: index.rebuild") && strings.Contains(s, `"stage":"completed"`) {
				return
			}
		case <-deadline:
			t.Fatal("no completed rebuild event")
		}
	}
}

func TestRebuild_Background(t *testing.T) {
	env, router := testEnv(t, "")
	env.Ingest(t, "a.txt", "Alice visited Paris.")
	env.Pipeline.MarkRebuildRequired()

	w := do(router, http.MethodPost, "/index/rebuild", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("rebuild = %d", w.Code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.Pipeline.RebuildRequired() {
		if time.Now().After(deadline) {
			t.Fatal("background rebuild did not clear the flag")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSyncStatsStatusCleanup(t *testing.T) {
	env, router := testEnv(t, "")
	if err := os.WriteFile(filepath.Join(env.DocsDir, "dropped.txt"), []byte("Dana lives in Oslo."), 0o644); err != nil {
		t.Fatal(err)
	}

	w := do(router, http.MethodPost, "/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sync = %d, body = %s", w.Code, w.Body.String())
	}
	if rep := decode[pipeline.SyncReport](t, w); len(rep.Added) != 1 || rep.Added[0].Name != "dropped.txt" {
		t.Errorf("sync report = %+v", rep)
	}

	w = do(router, http.MethodGet, "/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	var stats map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &stats)
	if stats["documents"].(float64) != 1 || stats["chunks"].(float64) < 1 {
		t.Errorf("stats = %v", stats)
	}

	st := decode[pipeline.Status](t, do(router, http.MethodGet, "/status", nil))
	if st.Documents != 1 || st.IndexEntries < 1 || st.RebuildRequired {
		t.Errorf("status = %+v", st)
	}

	w = do(router, http.MethodPost, "/cleanup", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup = %d", w.Code)
	}
	if rep := decode[pipeline.CleanupReport](t, w); rep.Removed != 0 || rep.Gaps != 0 {
		t.Errorf("cleanup = %+v", rep)
	}
}

func TestDocumentEventsReachSubscribers(t *testing.T) {
	_, router, broker := testEnvWithBroker(t, "")
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	upload(t, router, part{"e.txt", []byte("Eve moved to Lisbon.")})

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-ch:
			if strings.Contains(string(msg), "event: document.added") {
				return
			}
		case <-deadline:
			t.Fatal("no document.added event")
		}
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed list = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	w := do(router, http.MethodGet, "/documents", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"x"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	_, router := testEnv(t, "secret")

	w := do(router, http.MethodGet, "/events", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	_, router := testEnv(t, "tok")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with valid token = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}
