package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trung0209/AI-SJU-Studio/internal/artifacts"
	"github.com/trung0209/AI-SJU-Studio/internal/comfy"
	"github.com/trung0209/AI-SJU-Studio/internal/observability"
	"github.com/trung0209/AI-SJU-Studio/internal/session"
	"github.com/trung0209/AI-SJU-Studio/internal/store"
	"github.com/trung0209/AI-SJU-Studio/internal/workflow"
	"github.com/trung0209/AI-SJU-Studio/pkg/models"
)

const testTemplate = `{
  "6":   {"class_type": "CLIPTextEncode", "inputs": {"text": ""}},
  "71":  {"class_type": "CLIPTextEncode", "inputs": {"text": ""}},
  "271": {"class_type": "KSampler", "inputs": {"seed": 0}},
  "9":   {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI"}}
}`

var pngBytes = []byte("\x89PNG\r\n\x1a\nfox")

func writeTemplate(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "workflow_api.json")
	require.NoError(t, os.WriteFile(p, []byte(testTemplate), 0o644))
	return p
}

func testBindings() workflow.Bindings {
	return workflow.Bindings{PositiveNode: "6", NegativeNode: "71", SeedNode: "271"}
}

func seedPtr(v int64) *int64 { return &v }

// --- fake remote service over HTTP + websocket ---

type fakeComfy struct {
	t        *testing.T
	promptID string
	frames   []string // sent on the socket once the prompt is queued
	history  string
	blobs    map[string][]byte

	conns     chan *websocket.Conn
	mu        sync.Mutex
	submitted map[string]any
	clientIDs []string
}

func newFakeComfy(t *testing.T) *fakeComfy {
	return &fakeComfy{
		t:        t,
		promptID: "p-42",
		conns:    make(chan *websocket.Conn, 1),
		blobs:    map[string][]byte{},
	}
}

func (f *fakeComfy) serve() *httptest.Server {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.clientIDs = append(f.clientIDs, r.URL.Query().Get("clientId"))
		f.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.submitted = body
		f.mu.Unlock()

		select {
		case conn := <-f.conns:
			for _, frame := range f.frames {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					f.t.Errorf("write frame: %v", err)
				}
			}
		case <-time.After(2 * time.Second):
			f.t.Error("prompt submitted before the stream was opened")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"prompt_id":%q,"number":1,"node_errors":{}}`, f.promptID)
	})

	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, f.history)
	})

	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		data, ok := f.blobs[r.URL.Query().Get("filename")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	})

	ts := httptest.NewServer(mux)
	f.t.Cleanup(ts.Close)
	return ts
}

func executing(promptID string, node *string) string {
	n := "null"
	if node != nil {
		n = fmt.Sprintf("%q", *node)
	}
	return fmt.Sprintf(`{"type":"executing","data":{"node":%s,"prompt_id":%q}}`, n, promptID)
}

func strPtr(s string) *string { return &s }

func TestGenerate_Seed42EndToEnd(t *testing.T) {
	fc := newFakeComfy(t)
	fc.frames = []string{
		`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":1}}}}`,
		executing("p-42", strPtr("A")),
		executing("p-other", nil),
		executing("p-42", nil),
	}
	fc.history = `{"p-42":{"outputs":{"6":{"images":[{"filename":"ComfyUI_00001_.png","subfolder":"","type":"output"}]}},"status":{"status_str":"success","completed":true}}}`
	fc.blobs["ComfyUI_00001_.png"] = pngBytes
	ts := fc.serve()

	outDir := t.TempDir()
	disk, err := artifacts.NewDiskStore(outDir)
	require.NoError(t, err)

	id := session.New()
	svc := NewService(comfy.NewHTTPClient(ts.URL, 5*time.Second), id, disk, Config{
		StreamURL:         "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		TemplatePath:      writeTemplate(t),
		Bindings:          testBindings(),
		CompletionTimeout: 5 * time.Second,
	})

	res, err := svc.Generate(context.Background(), Request{
		PositivePrompt: "a red fox",
		NegativePrompt: "blurry",
		Seed:           seedPtr(42),
	})
	require.NoError(t, err)

	assert.Equal(t, comfy.PromptID("p-42"), res.PromptID)
	assert.Equal(t, int64(42), res.Seed)
	assert.Equal(t, []string{"images/6-42-0.png"}, res.Images)
	assert.Equal(t, uuid.Nil, res.GenerationID)

	data, err := os.ReadFile(filepath.Join(outDir, "6-42-0.png"))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, []string{id.ClientID()}, fc.clientIDs)
	assert.Equal(t, id.ClientID(), fc.submitted["client_id"])
	prompt := fc.submitted["prompt"].(map[string]any)
	assert.Equal(t, 42.0, prompt["271"].(map[string]any)["inputs"].(map[string]any)["seed"])
	assert.Equal(t, "a red fox", prompt["6"].(map[string]any)["inputs"].(map[string]any)["text"])
	assert.Equal(t, "blurry", prompt["71"].(map[string]any)["inputs"].(map[string]any)["text"])
}

// --- in-memory fakes ---

type fakeSource struct {
	events []comfy.Event
	i      int
	closed chan struct{}
	once   sync.Once
}

func newFakeSource(events ...comfy.Event) *fakeSource {
	return &fakeSource{events: events, closed: make(chan struct{})}
}

func (f *fakeSource) Next() (comfy.Event, error) {
	if f.i < len(f.events) {
		ev := f.events[f.i]
		f.i++
		return ev, nil
	}
	<-f.closed
	return nil, fmt.Errorf("%w: %w", comfy.ErrStreamReadFailed, comfy.ErrStreamClosed)
}

func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func dialerFor(src comfy.EventSource) StreamDialer {
	return func(context.Context, string) (comfy.EventSource, error) { return src, nil }
}

type fakeClient struct {
	submitErr error
	record    *comfy.HistoryRecord
	blobs     map[string][]byte

	submits int
}

func (f *fakeClient) SubmitJob(_ context.Context, _ workflow.Descriptor, _ string) (comfy.PromptID, error) {
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "p-1", nil
}

func (f *fakeClient) FetchHistory(_ context.Context, _ comfy.PromptID) (*comfy.HistoryRecord, error) {
	return f.record, nil
}

func (f *fakeClient) FetchArtifactBytes(_ context.Context, ref comfy.ImageRef) ([]byte, error) {
	data, ok := f.blobs[ref.Filename]
	if !ok {
		return nil, fmt.Errorf("%w: %s", comfy.ErrArtifactFetchFailed, ref.Filename)
	}
	return data, nil
}

func (f *fakeClient) Ready(context.Context) error { return nil }

type memSaver struct {
	seeds []int64
}

func (m *memSaver) Save(_ context.Context, c comfy.OutputCollection, seed int64) ([]artifacts.Saved, error) {
	m.seeds = append(m.seeds, seed)
	var out []artifacts.Saved
	for _, node := range c.NodeIDs() {
		for i, a := range c[node] {
			out = append(out, artifacts.Saved{NodeID: node, Name: artifacts.FileName(node, seed, i, a.Ref.Filename), Bytes: len(a.Data)})
		}
	}
	return out, nil
}

type fakeStore struct {
	store.Store

	mu     sync.Mutex
	gens   map[uuid.UUID]*models.Generation
	events []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{gens: map[uuid.UUID]*models.Generation{}}
}

func (s *fakeStore) CreateGeneration(_ context.Context, g *models.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.gens[g.ID] = &cp
	s.events = append(s.events, g.Status)
	return nil
}

func (s *fakeStore) MarkGenerationRunning(_ context.Context, id uuid.UUID, promptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[id].Status = models.GenerationStatusRunning
	s.gens[id].PromptID = &promptID
	s.events = append(s.events, models.GenerationStatusRunning)
	return nil
}

func (s *fakeStore) CompleteGeneration(_ context.Context, id uuid.UUID, images []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[id].Status = models.GenerationStatusCompleted
	s.gens[id].Images = images
	s.events = append(s.events, models.GenerationStatusCompleted)
	return nil
}

func (s *fakeStore) FailGeneration(_ context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[id].Status = models.GenerationStatusFailed
	s.gens[id].ErrorMessage = &msg
	s.events = append(s.events, models.GenerationStatusFailed)
	return nil
}

type fakeCache struct {
	mu       sync.Mutex
	statuses map[string][]string
}

func newFakeCache() *fakeCache { return &fakeCache{statuses: map[string][]string{}} }

func (c *fakeCache) Ping(context.Context) error { return nil }
func (c *fakeCache) SetGenerationStatus(_ context.Context, id, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = append(c.statuses[id], status)
	return nil
}
func (c *fakeCache) GetGenerationStatus(_ context.Context, id string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statuses[id]
	if len(s) == 0 {
		return "", false, nil
	}
	return s[len(s)-1], true, nil
}
func (c *fakeCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

func newTestService(t *testing.T, client comfy.Client, src comfy.EventSource, opts ...Option) (*Service, *memSaver) {
	t.Helper()
	saver := &memSaver{}
	opts = append([]Option{WithDialer(dialerFor(src))}, opts...)
	svc := NewService(client, session.New(), saver, Config{
		StreamURL:         "ws://comfy.invalid/ws",
		TemplatePath:      writeTemplate(t),
		Bindings:          testBindings(),
		CompletionTimeout: 2 * time.Second,
	}, opts...)
	return svc, saver
}

func doneRecord() *comfy.HistoryRecord {
	return &comfy.HistoryRecord{
		PromptID: "p-1",
		Outputs: map[string]comfy.NodeOutput{
			"9": {Images: []comfy.ImageRef{{Filename: "a.png", Type: "output"}, {Filename: "b.png", Type: "output"}}},
		},
	}
}

func TestGenerate_RandomSeed(t *testing.T) {
	client := &fakeClient{record: doneRecord(), blobs: map[string][]byte{"a.png": pngBytes, "b.png": pngBytes}}
	svc, saver := newTestService(t, client, newFakeSource(comfy.ExecutingEvent{PromptID: "p-1"}))

	res, err := svc.Generate(context.Background(), Request{PositivePrompt: "a red fox"})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Seed, int64(1))
	assert.LessOrEqual(t, res.Seed, int64(workflow.MaxSeed))
	assert.Equal(t, []int64{res.Seed}, saver.seeds)
	assert.Equal(t, []string{
		fmt.Sprintf("images/9-%d-0.png", res.Seed),
		fmt.Sprintf("images/9-%d-1.png", res.Seed),
	}, res.Images)
}

func TestGenerate_InvalidRequest(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client, newFakeSource())

	_, err := svc.Generate(context.Background(), Request{PositivePrompt: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Generate(context.Background(), Request{PositivePrompt: "fox", Seed: seedPtr(-1)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Zero(t, client.submits)
}

func TestGenerate_MissingTemplateNode(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client, newFakeSource())
	svc.cfg.Bindings.SeedNode = "3"

	_, err := svc.Generate(context.Background(), Request{PositivePrompt: "fox"})
	assert.ErrorIs(t, err, workflow.ErrNodeNotFound)
	assert.Zero(t, client.submits)
}

func TestGenerate_ConnectionFailedBeforeSubmit(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client, nil, WithDialer(func(context.Context, string) (comfy.EventSource, error) {
		return nil, fmt.Errorf("%w: dial tcp: connection refused", comfy.ErrConnectionFailed)
	}))

	_, err := svc.Generate(context.Background(), Request{PositivePrompt: "fox", Seed: seedPtr(7)})
	assert.ErrorIs(t, err, comfy.ErrConnectionFailed)
	assert.Zero(t, client.submits)
}

func TestGenerate_SubmissionRejectedRecordsFailure(t *testing.T) {
	client := &fakeClient{submitErr: &comfy.SubmissionError{StatusCode: 400, Body: `{"error":"bad"}`}}
	src := newFakeSource()
	st := newFakeStore()
	svc, _ := newTestService(t, client, src, WithStore(st))

	_, err := svc.Generate(context.Background(), Request{PositivePrompt: "fox", Seed: seedPtr(7)})
	assert.ErrorIs(t, err, comfy.ErrSubmissionFailed)

	var subErr *comfy.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, `{"error":"bad"}`, subErr.Body)

	assert.Equal(t, []string{models.GenerationStatusPending, models.GenerationStatusFailed}, st.events)

	// the stream is released
	select {
	case <-src.closed:
	default:
		t.Fatal("stream not closed")
	}
}

func TestGenerate_RecordsLifecycle(t *testing.T) {
	client := &fakeClient{record: doneRecord(), blobs: map[string][]byte{"a.png": pngBytes, "b.png": pngBytes}}
	st := newFakeStore()
	ca := newFakeCache()
	svc, _ := newTestService(t, client, newFakeSource(comfy.ExecutingEvent{PromptID: "p-1"}), WithStore(st), WithCache(ca))

	res, err := svc.Generate(context.Background(), Request{PositivePrompt: "fox", NegativePrompt: "blur", Seed: seedPtr(5)})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, res.GenerationID)

	gen := st.gens[res.GenerationID]
	require.NotNil(t, gen)
	assert.Equal(t, models.GenerationStatusCompleted, gen.Status)
	assert.Equal(t, "p-1", *gen.PromptID)
	assert.Equal(t, int64(5), gen.Seed)
	assert.Equal(t, "blur", gen.NegativePrompt)
	assert.Equal(t, res.Images, gen.Images)
	assert.Equal(t, []string{
		models.GenerationStatusPending, models.GenerationStatusRunning, models.GenerationStatusCompleted,
	}, st.events)

	assert.Equal(t, []string{models.GenerationStatusRunning, models.GenerationStatusCompleted}, ca.statuses["p-1"])
}

func TestGenerate_NoOutputs(t *testing.T) {
	client := &fakeClient{record: &comfy.HistoryRecord{PromptID: "p-1", Outputs: map[string]comfy.NodeOutput{}}}
	ca := newFakeCache()
	svc, saver := newTestService(t, client, newFakeSource(comfy.ExecutingEvent{PromptID: "p-1"}), WithCache(ca))

	_, err := svc.Generate(context.Background(), Request{PositivePrompt: "fox", Seed: seedPtr(1)})
	assert.ErrorIs(t, err, ErrNoOutputs)
	assert.Empty(t, saver.seeds)
	assert.Equal(t, []string{models.GenerationStatusRunning, models.GenerationStatusFailed}, ca.statuses["p-1"])
}

func TestGenerate_AllFetchesFail(t *testing.T) {
	client := &fakeClient{record: doneRecord(), blobs: map[string][]byte{}}
	svc, _ := newTestService(t, client, newFakeSource(comfy.ExecutingEvent{PromptID: "p-1"}))

	_, err := svc.Generate(context.Background(), Request{PositivePrompt: "fox", Seed: seedPtr(1)})
	assert.ErrorIs(t, err, ErrNoOutputs)
}

func TestGenerate_PartialFetchFailure(t *testing.T) {
	client := &fakeClient{record: doneRecord(), blobs: map[string][]byte{"b.png": pngBytes}}
	svc, _ := newTestService(t, client, newFakeSource(comfy.ExecutingEvent{PromptID: "p-1"}))

	res, err := svc.Generate(context.Background(), Request{PositivePrompt: "fox", Seed: seedPtr(3)})
	require.NoError(t, err)
	assert.Equal(t, []string{"images/9-3-0.png"}, res.Images)
}

func TestGenerate_ReportsMetricsAndLogs(t *testing.T) {
	m, metricsHandler, err := observability.NewMetrics(context.Background())
	require.NoError(t, err)
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	client := &fakeClient{record: doneRecord(), blobs: map[string][]byte{"b.png": pngBytes}}
	svc, _ := newTestService(t, client, newFakeSource(comfy.ExecutingEvent{PromptID: "p-1"}),
		WithMetrics(m), WithLogger(logger))

	_, err = svc.Generate(context.Background(), Request{PositivePrompt: "fox", Seed: seedPtr(3)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	metricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `outcome="success"`)
	assert.Contains(t, body, "artifacts_fetched_total")
	assert.Contains(t, body, "artifact_fetch_failures_total")
	assert.Contains(t, body, `node="9"`)

	assert.Contains(t, logs.String(), "artifact fetch failed")
	assert.Contains(t, logs.String(), `"filename":"a.png"`)
}

func TestGenerate_ExecutionError(t *testing.T) {
	client := &fakeClient{record: doneRecord()}
	src := newFakeSource(comfy.ExecutionErrorEvent{PromptID: "p-1", NodeID: "271", NodeType: "KSampler", ExceptionMessage: "CUDA out of memory"})
	svc, _ := newTestService(t, client, src)

	_, err := svc.Generate(context.Background(), Request{PositivePrompt: "fox", Seed: seedPtr(3)})
	assert.ErrorIs(t, err, comfy.ErrExecutionFailed)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestGenerate_CompletionTimeout(t *testing.T) {
	client := &fakeClient{record: doneRecord()}
	src := newFakeSource(comfy.ExecutingEvent{PromptID: "p-1", Node: strPtr("271")})
	svc, _ := newTestService(t, client, src)
	svc.cfg.CompletionTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := svc.Generate(context.Background(), Request{PositivePrompt: "fox", Seed: seedPtr(3)})
	assert.ErrorIs(t, err, comfy.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{fmt.Errorf("x: %w", ErrNoOutputs), "no_outputs"},
		{fmt.Errorf("%w: waiting", comfy.ErrTimeout), "timeout"},
		{&comfy.SubmissionError{StatusCode: 500}, "submission_failed"},
		{comfy.ErrConnectionFailed, "connection_failed"},
		{comfy.ErrExecutionFailed, "execution_failed"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, outcome(tt.err))
	}
}
