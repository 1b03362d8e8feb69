package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/adverant/nexus/textrealign-worker/internal/errors"
	"github.com/adverant/nexus/textrealign-worker/internal/logging"
	"github.com/adverant/nexus/textrealign-worker/internal/processor"
	"github.com/adverant/nexus/textrealign-worker/internal/queue"
	"github.com/adverant/nexus/textrealign-worker/internal/realign"
	"github.com/adverant/nexus/textrealign-worker/internal/storage"
	"github.com/adverant/nexus/textrealign-worker/internal/tabular"
	"github.com/gin-gonic/gin"
)

const header = "left\ttop\tright\tbottom\tconf\ttext"

const helloWorld = header + "\n" +
	"0\t0\t10\t10\t90\tHello\n" +
	"12\t0\t22\t10\t80\tWorld\n" +
	"100\t50\t110\t60\t5\tnoise"

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	jobA = "2d9a6c0e-7b1f-4e3a-8c5d-0f1e2a3b4c5d"
	jobB = "8e7f6a5b-4c3d-4e2f-a1b0-9c8d7e6f5a4b"
)

type jobUpdate struct {
	jobID    string
	status   string
	metadata map[string]interface{}
}

type fakeProcessor struct {
	req     *processor.ProcessRequest
	err     error
	updates []jobUpdate
}

func (f *fakeProcessor) ProcessDocument(_ context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &processor.ProcessResult{ResultID: "r1", OCREngine: "fake", LineCount: 2, TSV: header}, nil
}

func (f *fakeProcessor) UpdateJobStatus(_ context.Context, jobID, status string, _ int, metadata map[string]interface{}) error {
	f.updates = append(f.updates, jobUpdate{jobID, status, metadata})
	return nil
}

type fakeQueue struct {
	payloads []*queue.JobPayload
	retries  int
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, payload *queue.JobPayload, maxRetries int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, payload)
	f.retries = maxRetries
	return "q-" + payload.JobID, nil
}

func (f *fakeQueue) GetStats(context.Context) (*queue.QueueStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &queue.QueueStats{Backend: "redis", Queue: "q", Waiting: int64(len(f.payloads))}, nil
}

type fakeStore struct {
	jobs    map[string]map[string]interface{}
	results map[string]*storage.Realignment
	pingErr error
}

func (f *fakeStore) GetJobByID(_ context.Context, jobID string) (map[string]interface{}, error) {
	if job, ok := f.jobs[jobID]; ok {
		return job, nil
	}
	return nil, fmt.Errorf("job %s: %w", jobID, storage.ErrNotFound)
}

func (f *fakeStore) GetRealignment(_ context.Context, jobID string) (*storage.Realignment, error) {
	if r, ok := f.results[jobID]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("realignment for job %s: %w", jobID, storage.ErrNotFound)
}

func (f *fakeStore) GetStats(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"postgres": map[string]interface{}{"open_connections": 2}}, nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeEmbedder struct {
	texts []string
	err   error
}

func (f *fakeEmbedder) GenerateEmbeddingBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.texts = append(f.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{float32(i + 1)}
	}
	return out, nil
}

type fakeLineIndex struct {
	vector []float32
	limit  int
}

func (f *fakeLineIndex) SearchLines(_ context.Context, vec []float32, limit int) ([]*storage.LineSearchResult, error) {
	f.vector, f.limit = vec, limit
	return []*storage.LineSearchResult{{
		PointID:  "p1",
		JobID:    jobA,
		ResultID: "r1",
		Score:    0.9,
		Line:     tabular.Record{Page: 1, Left: 0, Top: 0, Width: 22, Height: 10, Conf: 85, Text: "Hello World"},
	}}, nil
}

func newTestServer(t *testing.T, cfg *ServerConfig) *Server {
	t.Helper()
	if cfg.Realign == (realign.Options{}) {
		cfg.Realign = realign.Options{LeftDistance: 5}
	}
	if cfg.ConfThreshold == 0 {
		cfg.ConfThreshold = 10
	}
	cfg.Logger = logging.Nop()
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s
}

func do(s *Server, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response %q is not JSON: %v", w.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &ServerConfig{})
	if w := do(s, http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}

	down := newTestServer(t, &ServerConfig{Store: &fakeStore{pingErr: fmt.Errorf("connection refused")}})
	w := do(down, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusServiceUnavailable || decode(t, w)["status"] != "degraded" {
		t.Errorf("status = %d, body = %s", w.Code, w.Body)
	}
}

func TestFilter(t *testing.T) {
	s := newTestServer(t, &ServerConfig{})

	w := do(s, http.MethodPost, "/v1/filter", "text/plain", helloWorld)
	want := header + "\n0\t0\t10\t10\t90\tHello\n12\t0\t22\t10\t80\tWorld"
	if w.Code != http.StatusOK || w.Body.String() != want {
		t.Errorf("status = %d, body = %q", w.Code, w.Body)
	}

	w = do(s, http.MethodPost, "/v1/filter?threshold=85", "text/plain", helloWorld)
	if got := w.Body.String(); got != header+"\n0\t0\t10\t10\t90\tHello" {
		t.Errorf("threshold 85 body = %q", got)
	}

	for _, q := range []string{"?threshold=-1", "?threshold=abc"} {
		if w := do(s, http.MethodPost, "/v1/filter"+q, "text/plain", helloWorld); w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d", q, w.Code)
		}
	}
}

func TestRealign(t *testing.T) {
	s := newTestServer(t, &ServerConfig{})

	w := do(s, http.MethodPost, "/v1/realign", "text/plain", helloWorld)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if got, want := w.Body.String(), header+"\n0\t0\t22\t10\t85\tHello World"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if w.Header().Get("X-Realign-Passes") != "2" || w.Header().Get("X-Realign-Merges") != "1" {
		t.Errorf("headers = %v", w.Header())
	}
	if w.Header().Get("X-Realign-Comparisons") == "" {
		t.Error("comparisons header missing")
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, processor.MimeTypeTSV) {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRealignOverrides(t *testing.T) {
	s := newTestServer(t, &ServerConfig{})

	w := do(s, http.MethodPost, "/v1/realign?left_distance=1", "text/plain", helloWorld)
	if w.Header().Get("X-Realign-Merges") != "0" {
		t.Errorf("left_distance=1 merges = %s", w.Header().Get("X-Realign-Merges"))
	}

	w = do(s, http.MethodPost, "/v1/realign?skip_filter=true&left_distance=1", "text/plain", helloWorld)
	if !strings.Contains(w.Body.String(), "noise") {
		t.Errorf("skip_filter dropped rows: %q", w.Body)
	}

	w = do(s, http.MethodPost, "/v1/realign?conf_threshold=0&left_distance=1", "text/plain", helloWorld)
	if !strings.Contains(w.Body.String(), "noise") {
		t.Errorf("conf_threshold=0 dropped rows: %q", w.Body)
	}

	w = do(s, http.MethodPost, "/v1/realign", "text/plain", header)
	if w.Code != http.StatusOK || w.Body.String() != header {
		t.Errorf("header-only body = %q", w.Body)
	}
}

func TestRealignErrors(t *testing.T) {
	s := newTestServer(t, &ServerConfig{})

	tests := []struct {
		name   string
		target string
		body   string
		status int
		code   errors.ErrorCode
	}{
		{"pass cap", "/v1/realign?max_passes=1", helloWorld, http.StatusUnprocessableEntity, errors.ErrorIterationLimit},
		{"negative distance", "/v1/realign?left_distance=-3", helloWorld, http.StatusBadRequest, errors.ErrorInvalidOptions},
		{"bad integer", "/v1/realign?top_distance=x", helloWorld, http.StatusBadRequest, errors.ErrorInvalidOptions},
		{"bad boolean", "/v1/realign?skip_filter=maybe", helloWorld, http.StatusBadRequest, errors.ErrorInvalidOptions},
		{"negative threshold", "/v1/realign?conf_threshold=-1", helloWorld, http.StatusBadRequest, errors.ErrorInvalidOptions},
		{"bad number", "/v1/realign", header + "\n0\tx\t10\t10\t90\tHello", http.StatusBadRequest, errors.ErrorParse},
		{"unknown header", "/v1/realign", "foo\tbar\n1\t2", http.StatusBadRequest, errors.ErrorSchemaMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPost, tt.target, "text/plain", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body)
			}
			if got := decode(t, w)["error_code"]; got != string(tt.code) {
				t.Errorf("error_code = %v, want %s", got, tt.code)
			}
		})
	}
}

func TestBodyLimit(t *testing.T) {
	s := newTestServer(t, &ServerConfig{MaxBodySize: 16})
	w := do(s, http.MethodPost, "/v1/realign", "text/plain", helloWorld)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", w.Code)
	}
}

func TestProcessDocument(t *testing.T) {
	proc := &fakeProcessor{}
	s := newTestServer(t, &ServerConfig{Processor: proc})

	w := do(s, http.MethodPost, "/v1/documents?filename=scan.png&left_distance=7", "image/png", "\x89PNG")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	body := decode(t, w)
	if body["jobId"] == "" || body["result"].(map[string]interface{})["resultId"] != "r1" {
		t.Errorf("body = %v", body)
	}
	if proc.req.Filename != "scan.png" || proc.req.MimeType != "image/png" || proc.req.FileSize != 4 {
		t.Errorf("request = %+v", proc.req)
	}
	if proc.req.Realign.LeftDistance == nil || *proc.req.Realign.LeftDistance != 7 {
		t.Errorf("realign = %+v", proc.req.Realign)
	}
	if len(proc.updates) != 2 || proc.updates[0].status != "processing" || proc.updates[1].status != "completed" {
		t.Fatalf("updates = %+v", proc.updates)
	}
	if proc.updates[0].jobID != body["jobId"] || proc.updates[0].metadata["filename"] != "scan.png" {
		t.Errorf("processing update = %+v", proc.updates[0])
	}
	if proc.updates[1].metadata["resultId"] != "r1" {
		t.Errorf("completed metadata = %v", proc.updates[1].metadata)
	}

	proc.err = errors.NewUnsupportedFormatError("j", "application/pdf")
	proc.updates = nil
	if w := do(s, http.MethodPost, "/v1/documents", "application/pdf", "%PDF"); w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("unsupported status = %d", w.Code)
	}
	if n := len(proc.updates); n != 2 || proc.updates[1].status != "failed" ||
		proc.updates[1].metadata["errorCode"] != "UNSUPPORTED_FORMAT" {
		t.Errorf("failure updates = %+v", proc.updates)
	}

	unconfigured := newTestServer(t, &ServerConfig{})
	if w := do(unconfigured, http.MethodPost, "/v1/documents", "image/png", "x"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status = %d", w.Code)
	}
}

func TestSubmitJob(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(t, &ServerConfig{Queue: q, MaxRetries: 3})

	w := do(s, http.MethodPost, "/v1/jobs?filename=a.tsv&skip_filter=1", "text/tab-separated-values", helloWorld)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	body := decode(t, w)
	p := q.payloads[0]
	if body["jobId"] != p.JobID || body["queueId"] != "q-"+p.JobID || q.retries != 3 {
		t.Errorf("body = %v, payload = %+v", body, p)
	}
	if string(p.FileBuffer) != helloWorld || p.Filename != "a.tsv" || !p.Realign.SkipFilter {
		t.Errorf("payload = %+v", p)
	}

	w = do(s, http.MethodPost, "/v1/jobs", "application/json", `{"jobId":"`+jobA+`","fileUrl":"http://files/a.png"}`)
	if w.Code != http.StatusAccepted || q.payloads[1].JobID != jobA || q.payloads[1].FileURL != "http://files/a.png" {
		t.Errorf("json submit status = %d, payload = %+v", w.Code, q.payloads[1])
	}

	if w := do(s, http.MethodPost, "/v1/jobs", "application/json", `{"jobId":"`+jobB+`"}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty job status = %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/v1/jobs", "application/json", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed job status = %d", w.Code)
	}

	q.err = fmt.Errorf("redis down")
	if w := do(s, http.MethodPost, "/v1/jobs", "text/plain", helloWorld); w.Code != http.StatusServiceUnavailable {
		t.Errorf("queue failure status = %d", w.Code)
	}
}

func TestSubmitJobRejectsNonUUIDJobID(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(t, &ServerConfig{Queue: q})

	w := do(s, http.MethodPost, "/v1/jobs", "application/json", `{"jobId":"invoice-7","fileUrl":"http://files/a.png"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(q.payloads) != 0 {
		t.Errorf("job with invalid id was enqueued: %+v", q.payloads[0])
	}
}

func TestSubmitJobPatterns(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(t, &ServerConfig{Queue: q})

	patterns, _ := json.Marshal([]processor.FieldPattern{{Name: "total", Pattern: `Total:\s*(\S+)`, Group: 1}})
	w := do(s, http.MethodPost, "/v1/jobs?"+url.Values{"patterns": {string(patterns)}}.Encode(), "text/plain", helloWorld)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if got := q.payloads[0].Realign.Patterns; len(got) != 1 || got[0].Name != "total" || got[0].Group != 1 {
		t.Errorf("patterns = %+v", got)
	}

	bad := `{"jobId":"` + jobB + `","fileUrl":"http://x","realign":{"patterns":[{"name":"a","pattern":"("}]}}`
	if w := do(s, http.MethodPost, "/v1/jobs", "application/json", bad); w.Code != http.StatusBadRequest {
		t.Errorf("bad pattern status = %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/v1/jobs?patterns=nope", "text/plain", helloWorld); w.Code != http.StatusBadRequest {
		t.Errorf("malformed patterns status = %d", w.Code)
	}
}

func TestJobLookup(t *testing.T) {
	store := &fakeStore{
		jobs: map[string]map[string]interface{}{jobA: {"id": jobA, "status": "completed"}},
		results: map[string]*storage.Realignment{jobA: {
			ID: "r1", JobID: jobA, SchemaName: "coordinate", TSV: header + "\n0\t0\t22\t10\t85\tHello World",
			WordCount: 2, LineCount: 1, Passes: 2, Merges: 1,
		}},
	}
	s := newTestServer(t, &ServerConfig{Store: store})

	w := do(s, http.MethodGet, "/v1/jobs/"+jobA, "", "")
	if w.Code != http.StatusOK || decode(t, w)["status"] != "completed" {
		t.Errorf("job status = %d, body = %s", w.Code, w.Body)
	}
	if w := do(s, http.MethodGet, "/v1/jobs/"+jobB, "", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d", w.Code)
	}

	w = do(s, http.MethodGet, "/v1/jobs/"+jobA+"/result", "", "")
	body := decode(t, w)
	if w.Code != http.StatusOK || body["id"] != "r1" || body["merges"] != float64(1) {
		t.Errorf("result = %v", body)
	}
	w = do(s, http.MethodGet, "/v1/jobs/"+jobA+"/result?format=tsv", "", "")
	if w.Body.String() != store.results[jobA].TSV {
		t.Errorf("tsv result = %q", w.Body)
	}
	if w := do(s, http.MethodGet, "/v1/jobs/"+jobB+"/result", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing result status = %d", w.Code)
	}

	for _, target := range []string{"/v1/jobs/invoice-7", "/v1/jobs/invoice-7/result"} {
		if w := do(s, http.MethodGet, target, "", ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", target, w.Code)
		}
	}
}

func TestSearchLines(t *testing.T) {
	embedder := &fakeEmbedder{}
	index := &fakeLineIndex{}
	s := newTestServer(t, &ServerConfig{Embedder: embedder, Lines: index})

	w := do(s, http.MethodGet, "/v1/lines/search?q=hello+world&limit=5", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if len(embedder.texts) != 1 || embedder.texts[0] != "hello world" || index.limit != 5 || index.vector[0] != 1 {
		t.Errorf("embedded %q, searched limit %d with %v", embedder.texts, index.limit, index.vector)
	}
	results := decode(t, w)["results"].([]interface{})
	first := results[0].(map[string]interface{})
	if len(results) != 1 || first["text"] != "Hello World" || first["jobId"] != jobA || first["width"] != float64(22) {
		t.Errorf("results = %v", results)
	}

	if w := do(s, http.MethodGet, "/v1/lines/search", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing query status = %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/v1/lines/search?q=x&limit=500", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("oversized limit status = %d", w.Code)
	}
	embedder.err = fmt.Errorf("voyage down")
	if w := do(s, http.MethodGet, "/v1/lines/search?q=x", "", ""); w.Code != http.StatusBadGateway {
		t.Errorf("embedding failure status = %d", w.Code)
	}

	unconfigured := newTestServer(t, &ServerConfig{Lines: index})
	if w := do(unconfigured, http.MethodGet, "/v1/lines/search?q=x", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status = %d", w.Code)
	}
}

func TestStats(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(t, &ServerConfig{Queue: q, Store: &fakeStore{}})

	w := do(s, http.MethodGet, "/v1/stats", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	body := decode(t, w)
	qs := body["queue"].(map[string]interface{})
	if qs["backend"] != "redis" || qs["waiting"] != float64(0) {
		t.Errorf("queue stats = %v", qs)
	}
	if _, ok := body["storage"].(map[string]interface{})["postgres"]; !ok {
		t.Errorf("storage stats = %v", body["storage"])
	}

	q.err = fmt.Errorf("redis down")
	if w := do(s, http.MethodGet, "/v1/stats", "", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("queue failure status = %d", w.Code)
	}

	unconfigured := newTestServer(t, &ServerConfig{})
	if w := do(unconfigured, http.MethodGet, "/v1/stats", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status = %d", w.Code)
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(nil); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := NewServer(&ServerConfig{Realign: realign.Options{TopDistance: -1}}); err == nil {
		t.Error("negative top distance accepted")
	}
	if _, err := NewServer(&ServerConfig{ConfThreshold: -1}); err == nil {
		t.Error("negative threshold accepted")
	}
}
