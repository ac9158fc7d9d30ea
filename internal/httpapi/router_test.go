package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"storyclip/internal/adapters/storage/localfs"
	"storyclip/internal/capability"
	"storyclip/internal/httpapi/handlers"
	"storyclip/internal/jobs"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/ports"
	"storyclip/internal/publish"
)

type fakeQueue struct {
	mu      sync.Mutex
	name    string
	ids     []string
	pushErr error
	depth   int64
}

func (q *fakeQueue) Name() string { return q.name }

func (q *fakeQueue) Push(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushErr != nil {
		return q.pushErr
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *fakeQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth + int64(len(q.ids)), nil
}

func (q *fakeQueue) pushed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type fakeCaps struct {
	snap *capability.Snapshot
}

func (c *fakeCaps) Load(ctx context.Context) (*capability.Snapshot, error) {
	if c.snap == nil {
		return nil, errors.NotFound("capability snapshot", "storyclip:capabilities")
	}
	return c.snap, nil
}

type testAPI struct {
	handler http.Handler
	jobs    *jobs.MemoryStore
	batches *publish.MemoryStore
	render  *fakeQueue
	publish *fakeQueue
	caps    *fakeCaps
	storage *localfs.LocalFS
}

func newTestAPI(t *testing.T, mutate func(*Deps)) *testAPI {
	t.Helper()
	api := &testAPI{
		jobs:    jobs.NewMemoryStore(nil, jobs.Retention{}, nil),
		batches: publish.NewMemoryStore(nil),
		render:  &fakeQueue{name: "storyclip:render"},
		publish: &fakeQueue{name: "storyclip:publish"},
		caps:    &fakeCaps{},
		storage: localfs.New(t.TempDir()),
	}
	d := Deps{
		Deps: handlers.Deps{
			Jobs:         api.jobs,
			RenderQueue:  api.render,
			MaxDepth:     10,
			Batches:      api.batches,
			Tracker:      publish.NewTracker(publish.TrackerConfig{Store: api.batches, Jobs: api.jobs}),
			PublishQueue: api.publish,
			Capabilities: api.caps,
			Storage:      api.storage,
			Checks: map[string]handlers.Check{
				"storage": handlers.StorageCheck(api.storage),
			},
			StreamInterval: 5 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&d)
	}
	api.handler = NewRouter(d)
	return api
}

func (api *testAPI) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	return rec
}

// doneJob stores a finished job with one artifact written to local storage.
func (api *testAPI) doneJob(t *testing.T, key string) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	j, _, err := api.jobs.Create(ctx, key, jobs.Input{SourceLocator: "/uploads/a.mp4"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	objectKey := "outputs/" + j.ID + "/" + jobs.ArtifactFile(1)
	content := []byte("fake mp4 bytes")
	if _, err := api.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   objectKey,
		ContentType: "video/mp4",
		Reader:      bytes.NewReader(content),
		Size:        int64(len(content)),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	api.jobs.Start(ctx, j.ID)
	api.jobs.Complete(ctx, j.ID, []jobs.Artifact{{
		ID:        jobs.ArtifactID(1),
		Locator:   "http://localhost:8080/files/" + objectKey,
		ObjectKey: objectKey,
		Provider:  api.storage.Provider(),
		SizeBytes: int64(len(content)),
		Index:     1,
	}})
	done, _ := api.jobs.Get(ctx, j.ID)
	return done
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, rec, &env)
	return env.Error.Code
}

func TestPostJobIsIdempotent(t *testing.T) {
	api := newTestAPI(t, nil)
	body := `{"idempotency_key":"k-1","source":"https://cdn.example.com/in.mp4","effects":{"flip":true}}`

	first := api.do(t, "POST", "/jobs", body, nil)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	var created struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	decode(t, first, &created)
	if created.JobID == "" || created.Status != "queued" {
		t.Errorf("unexpected body %+v", created)
	}

	second := api.do(t, "POST", "/jobs", body, nil)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", second.Code)
	}
	var again struct {
		JobID string `json:"job_id"`
	}
	decode(t, second, &again)
	if again.JobID != created.JobID {
		t.Errorf("expected same job id %s, got %s", created.JobID, again.JobID)
	}

	if pushed := api.render.pushed(); len(pushed) != 1 || pushed[0] != created.JobID {
		t.Errorf("expected one push of %s, got %v", created.JobID, pushed)
	}
}

func TestPostJobHeaderKey(t *testing.T) {
	api := newTestAPI(t, nil)
	h := map[string]string{handlers.IdempotencyHeader: "hdr-1"}

	a := api.do(t, "POST", "/jobs", `{"source":"/uploads/a.mp4"}`, h)
	b := api.do(t, "POST", "/jobs", `{"source":"/uploads/a.mp4"}`, h)
	if a.Code != http.StatusCreated || b.Code != http.StatusOK {
		t.Errorf("expected 201 then 200, got %d then %d", a.Code, b.Code)
	}
}

func TestPostJobValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"source":`},
		{"unknown field", `{"source":"/uploads/a.mp4","colour":"red"}`},
		{"missing source", `{"idempotency_key":"k"}`},
		{"relative source", `{"source":"a.mp4"}`},
		{"unknown effect", `{"source":"/uploads/a.mp4","effects":{"sparkle":true}}`},
		{"bad mode", `{"source":"/uploads/a.mp4","distribution":{"mode":"random"}}`},
		{"manual without clips", `{"source":"/uploads/a.mp4","distribution":{"mode":"manual"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, nil)
			rec := api.do(t, "POST", "/jobs", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != string(errors.CodeValidation) {
				t.Errorf("expected %s, got %s", errors.CodeValidation, code)
			}
			if n := len(api.render.pushed()); n != 0 {
				t.Errorf("expected nothing pushed, got %d", n)
			}
		})
	}
}

func TestPostJobOverloaded(t *testing.T) {
	api := newTestAPI(t, nil)
	api.render.depth = 10

	rec := api.do(t, "POST", "/jobs", `{"idempotency_key":"k","source":"/uploads/a.mp4"}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != string(errors.CodeOverloaded) {
		t.Errorf("expected OVERLOADED, got %s", code)
	}
	list, _ := api.jobs.List(context.Background(), jobs.ListFilter{})
	if len(list) != 0 {
		t.Errorf("expected no job stored, got %d", len(list))
	}
}

func TestPostJobRepeatedKeyWhileOverloaded(t *testing.T) {
	api := newTestAPI(t, nil)
	body := `{"idempotency_key":"abc","source":"/uploads/a.mp4"}`

	first := api.do(t, "POST", "/jobs", body, nil)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	var created struct {
		JobID string `json:"job_id"`
	}
	decode(t, first, &created)

	api.render.depth = 10
	again := api.do(t, "POST", "/jobs", body, nil)
	if again.Code != http.StatusOK {
		t.Fatalf("expected 200 for a known key, got %d: %s", again.Code, again.Body.String())
	}
	var got struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	decode(t, again, &got)
	if got.JobID != created.JobID || got.Status != string(jobs.StatusQueued) {
		t.Errorf("expected the original queued job %s, got %+v", created.JobID, got)
	}
	if n := len(api.render.pushed()); n != 1 {
		t.Errorf("expected one push, got %d", n)
	}

	fresh := api.do(t, "POST", "/jobs", `{"idempotency_key":"new","source":"/uploads/a.mp4"}`, nil)
	if fresh.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for new work, got %d", fresh.Code)
	}
}

func TestPostJobQueueDown(t *testing.T) {
	api := newTestAPI(t, nil)
	api.render.pushErr = errors.Unavailable("redis")

	rec := api.do(t, "POST", "/jobs", `{"idempotency_key":"k","source":"/uploads/a.mp4"}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	list, _ := api.jobs.List(context.Background(), jobs.ListFilter{})
	if len(list) != 1 || list[0].Status != jobs.StatusError {
		t.Fatalf("expected the unqueued job failed, got %+v", list)
	}
	if list[0].ErrorCode != string(errors.CodeTransient) {
		t.Errorf("expected %s, got %s", errors.CodeTransient, list[0].ErrorCode)
	}
}

func TestGetJob(t *testing.T) {
	api := newTestAPI(t, nil)
	ctx := context.Background()
	failed, _, _ := api.jobs.Create(ctx, "k-fail", jobs.Input{SourceLocator: "/uploads/a.mp4"})
	api.jobs.Fail(ctx, failed.ID, errors.CodeStalled, "stalled in queue, never started")
	done := api.doneJob(t, "k-done")

	t.Run("error block", func(t *testing.T) {
		rec := api.do(t, "GET", "/jobs/"+failed.ID, "", nil)
		var v handlers.JobView
		decode(t, rec, &v)
		if v.Error == nil || v.Error.Code != string(errors.CodeStalled) {
			t.Errorf("expected STALL_ERROR block, got %+v", v.Error)
		}
	})

	t.Run("artifacts", func(t *testing.T) {
		rec := api.do(t, "GET", "/jobs/"+done.ID, "", nil)
		var v handlers.JobView
		decode(t, rec, &v)
		if v.Status != jobs.StatusDone || v.Progress != 100 || len(v.Artifacts) != 1 {
			t.Errorf("unexpected view %+v", v)
		}
		if v.Error != nil {
			t.Errorf("expected no error block, got %+v", v.Error)
		}
	})

	t.Run("missing", func(t *testing.T) {
		rec := api.do(t, "GET", "/jobs/nope", "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestListJobs(t *testing.T) {
	api := newTestAPI(t, nil)
	ctx := context.Background()
	api.jobs.Create(ctx, "a", jobs.Input{SourceLocator: "/uploads/a.mp4"})
	api.doneJob(t, "b")

	rec := api.do(t, "GET", "/jobs?status=done", "", nil)
	var out struct {
		Jobs []handlers.JobView `json:"jobs"`
	}
	decode(t, rec, &out)
	if len(out.Jobs) != 1 || out.Jobs[0].Status != jobs.StatusDone {
		t.Errorf("expected one done job, got %+v", out.Jobs)
	}

	bad := api.do(t, "GET", "/jobs?status=paused", "", nil)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", bad.Code)
	}
}

func TestStreamArtifact(t *testing.T) {
	api := newTestAPI(t, nil)
	done := api.doneJob(t, "k")

	rec := api.do(t, "GET", "/jobs/"+done.ID+"/artifacts/clip_001/content", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "fake mp4 bytes" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}

	missing := api.do(t, "GET", "/jobs/"+done.ID+"/artifacts/clip_009/content", "", nil)
	if missing.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", missing.Code)
	}
}

func TestFilesServesLocalStorage(t *testing.T) {
	api := newTestAPI(t, nil)
	done := api.doneJob(t, "k")

	rec := api.do(t, "GET", "/files/"+done.Artifacts[0].ObjectKey, "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "fake mp4 bytes" {
		t.Errorf("expected artifact bytes, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestCapabilities(t *testing.T) {
	api := newTestAPI(t, nil)

	if rec := api.do(t, "GET", "/capabilities", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any publish, got %d", rec.Code)
	}

	api.caps.snap = &capability.Snapshot{Filters: capability.NewSet("hflip", "gblur"), Version: "6.1.1"}
	rec := api.do(t, "GET", "/capabilities", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap capability.Snapshot
	decode(t, rec, &snap)
	if !snap.Filters.Has("gblur") || snap.Version != "6.1.1" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestPublishBatches(t *testing.T) {
	api := newTestAPI(t, nil)
	done := api.doneJob(t, "k")

	rec := api.do(t, "POST", "/publish/batches", `{"job_id":"`+done.ID+`","mode":"fast","caption":"hi"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var b struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Items  []publish.Item
	}
	decode(t, rec, &b)
	if b.Status != string(publish.BatchPending) || len(b.Items) != 1 {
		t.Errorf("unexpected batch %+v", b)
	}
	if pushed := api.publish.pushed(); len(pushed) != 1 || pushed[0] != b.ID {
		t.Errorf("expected batch id pushed, got %v", pushed)
	}

	get := api.do(t, "GET", "/publish/batches/"+b.ID, "", nil)
	if get.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", get.Code)
	}

	list := api.do(t, "GET", "/jobs/"+done.ID+"/publish/batches", "", nil)
	var out struct {
		Batches []json.RawMessage `json:"batches"`
	}
	decode(t, list, &out)
	if len(out.Batches) != 1 {
		t.Errorf("expected one batch for the job, got %d", len(out.Batches))
	}
}

func TestPublishBatchRejectsUnfinishedJob(t *testing.T) {
	api := newTestAPI(t, nil)
	j, _, _ := api.jobs.Create(context.Background(), "k", jobs.Input{SourceLocator: "/uploads/a.mp4"})

	rec := api.do(t, "POST", "/publish/batches", `{"job_id":"`+j.ID+`"}`, nil)
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("expected 412, got %d", rec.Code)
	}
	if n := len(api.publish.pushed()); n != 0 {
		t.Errorf("expected nothing pushed, got %d", n)
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, func(d *Deps) {
		d.Checks["redis"] = func(ctx context.Context) (map[string]any, error) {
			return nil, errors.Unavailable("redis")
		}
	})

	shallow := api.do(t, "GET", "/health", "", nil)
	var h struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	decode(t, shallow, &h)
	if h.Status != "ok" || h.Checks != nil {
		t.Errorf("expected plain ok, got %+v", h)
	}

	deep := api.do(t, "GET", "/health?deep=true", "", nil)
	h.Checks = nil
	decode(t, deep, &h)
	if h.Status != "degraded" {
		t.Errorf("expected degraded, got %s", h.Status)
	}
	if h.Checks["storage"]["status"] != "ok" || h.Checks["redis"]["status"] != "error" {
		t.Errorf("unexpected checks %+v", h.Checks)
	}
}

func TestCORS(t *testing.T) {
	api := newTestAPI(t, func(d *Deps) {
		d.AllowedOrigins = []string{"https://studio.example.com"}
	})

	rec := api.do(t, "OPTIONS", "/jobs", "", map[string]string{"Origin": "https://studio.example.com"})
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://studio.example.com" {
		t.Errorf("expected origin echoed, got %q", got)
	}

	other := api.do(t, "GET", "/health", "", map[string]string{"Origin": "https://evil.example.com"})
	if got := other.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS header, got %q", got)
	}
}

func TestStreamJob(t *testing.T) {
	api := newTestAPI(t, nil)
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	ctx := context.Background()
	j, _, _ := api.jobs.Create(ctx, "k", jobs.Input{SourceLocator: "/uploads/a.mp4"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jobs/" + j.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	type event struct {
		Type     string      `json:"type"`
		Status   jobs.Status `json:"status"`
		Progress int         `json:"progress"`
	}
	var first event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first.Type != "job_update" || first.Status != jobs.StatusQueued {
		t.Errorf("expected queued job_update, got %+v", first)
	}

	api.jobs.Start(ctx, j.ID)
	api.jobs.Progress(ctx, j.ID, 40, "rendering")
	api.jobs.Complete(ctx, j.ID, nil)

	last := first
	for {
		var ev event
		err := conn.ReadJSON(&ev)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal close, got %v", err)
			}
			break
		}
		if ev.Progress < last.Progress {
			t.Errorf("progress went backwards: %d after %d", ev.Progress, last.Progress)
		}
		last = ev
	}
	if last.Status != jobs.StatusDone {
		t.Errorf("expected last update done, got %s", last.Status)
	}
}

func TestStreamJobUnknown(t *testing.T) {
	api := newTestAPI(t, nil)
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jobs/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 handshake response, got %+v", resp)
	}
}
