package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/attunevoice/attune/internal/asrpool"
	"github.com/attunevoice/attune/internal/auth"
	"github.com/attunevoice/attune/internal/knowledge"
	"github.com/attunevoice/attune/internal/knowledge/refresh"
	"github.com/attunevoice/attune/internal/latency"
	"github.com/attunevoice/attune/internal/orchestrator"
	"github.com/attunevoice/attune/internal/session"
	"github.com/attunevoice/attune/internal/transcript"
	"github.com/attunevoice/attune/pkg/asr"
	asrmock "github.com/attunevoice/attune/pkg/asr/mock"
	llmmock "github.com/attunevoice/attune/pkg/llm/mock"
	ttsmock "github.com/attunevoice/attune/pkg/tts/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	asr   *asrmock.Provider
	store *session.Store
}

func newTestEnv(t *testing.T, llmChunks []string) *testEnv {
	t.Helper()

	asrProv := &asrmock.Provider{EmitOnAudio: true}
	mgr, err := asrpool.NewManager([]asrpool.ProviderSpec{{
		Name:    "mock",
		Factory: func() (asr.Provider, error) { return asrProv, nil },
	}}, asrpool.ManagerConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	pool, err := asrpool.NewPool(mgr, asrpool.PoolConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	store := session.NewStore(nil, session.StoreConfig{TTL: time.Hour, SweepInterval: time.Hour}, testLogger())
	t.Cleanup(store.Close)

	monitor := latency.NewMonitor(latency.Config{}, nil, testLogger())

	o, err := orchestrator.New(orchestrator.Config{
		Pool:       pool,
		Aggregator: transcript.NewAggregator(transcript.AggregatorConfig{}, testLogger()),
		LLM:        &llmmock.Provider{Chunks: llmChunks},
		TTS:        &ttsmock.Provider{},
		Sessions:   store,
		Latency:    monitor,
		Stream: asr.StreamConfig{
			LanguageCode: "en-US",
			SampleRate:   16000,
			Encoding:     asr.EncodingLinear16,
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	t.Cleanup(func() { o.Close() })

	srv, err := New(Config{HeartbeatInterval: time.Minute}, Deps{
		Auth:         auth.NewStaticVerifier(map[string]string{"tok-alpha": "user1", "tok-beta": "user2"}),
		Sessions:     store,
		Orchestrator: o,
		Latency:      monitor,
		Providers:    mgr,
	}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &testEnv{srv: srv, http: hs, asr: asrProv, store: store}
}

// ─── control plane ───

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestRESTUnauthorized(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"hi."})

	resp, body := e.do(t, http.MethodPost, "/v1/sessions", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body["error"] != "unauthorized" {
		t.Errorf("error = %v, want unauthorized", body["error"])
	}

	resp, _ = e.do(t, http.MethodGet, "/v1/latency", "bogus-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for bad token", resp.StatusCode)
	}
}

func TestRESTSessionLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"hi."})

	resp, body := e.do(t, http.MethodPost, "/v1/sessions", "tok-alpha",
		map[string]any{"ttlSeconds": 600, "preferences": map[string]string{"lang": "en"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	sessionID, _ := body["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("create body = %v, want sessionId", body)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/sessions/"+sessionID, "tok-alpha", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if body["user_id"] != "user1" {
		t.Errorf("user_id = %v, want user1", body["user_id"])
	}

	// Another user's token must not see it.
	resp, _ = e.do(t, http.MethodGet, "/v1/sessions/"+sessionID, "tok-beta", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-user get status = %d, want 404", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodDelete, "/v1/sessions/"+sessionID, "tok-alpha", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	sess, err := e.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Status != session.StatusCompleted {
		t.Errorf("session status = %v, want completed", sess.Status)
	}
}

func TestRESTSessionValidation(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"hi."})

	resp, _ := e.do(t, http.MethodPost, "/v1/sessions", "tok-alpha", map[string]any{"ttlSeconds": -5})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative ttl status = %d, want 400", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodGet, "/v1/sessions/no-such-session", "tok-alpha", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestRESTPipelineLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"pipeline reply."})

	_, body := e.do(t, http.MethodPost, "/v1/sessions", "tok-alpha", nil)
	sessionID := body["sessionId"].(string)

	resp, body := e.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/pipeline", "tok-alpha", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want 201", resp.StatusCode)
	}
	if body["pipelineId"] == "" {
		t.Fatalf("start body = %v, want pipelineId", body)
	}

	// A second start while live conflicts.
	resp, body = e.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/pipeline", "tok-alpha", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double start status = %d, want 409", resp.StatusCode)
	}
	if body["error"] != "pipeline_active" {
		t.Errorf("double start error = %v, want pipeline_active", body["error"])
	}

	resp, _ = e.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/pipeline", "tok-alpha", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status status = %d, want 200", resp.StatusCode)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/pipelines", "tok-alpha", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	if body["count"].(float64) != 1 {
		t.Errorf("active pipelines = %v, want 1", body["count"])
	}

	resp, _ = e.do(t, http.MethodDelete, "/v1/sessions/"+sessionID+"/pipeline", "tok-alpha", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", resp.StatusCode)
	}
}

func TestRESTInterruptWithoutPipeline(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"hi."})

	_, body := e.do(t, http.MethodPost, "/v1/sessions", "tok-alpha", nil)
	sessionID := body["sessionId"].(string)

	resp, body := e.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/interrupt", "tok-alpha", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("interrupt status = %d, want 404", resp.StatusCode)
	}
	if body["error"] != "pipeline_not_found" {
		t.Errorf("interrupt error = %v, want pipeline_not_found", body["error"])
	}

	resp, _ = e.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/interruptions", "tok-alpha", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("interruptions status = %d, want 200", resp.StatusCode)
	}
}

func TestRESTObservability(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"hi."})

	resp, _ := e.do(t, http.MethodGet, "/v1/latency", "tok-alpha", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("latency status = %d, want 200", resp.StatusCode)
	}

	resp, body := e.do(t, http.MethodGet, "/v1/providers/health", "tok-alpha", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	if body["breakers"] == nil || body["providers"] == nil {
		t.Errorf("health body = %v, want breakers and providers", body)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/refresh", "tok-alpha", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("refresh status = %d, want 404 without a loop", resp.StatusCode)
	}
	if body["error"] != "refresh_disabled" {
		t.Errorf("refresh error = %v, want refresh_disabled", body["error"])
	}

	resp, _ = e.do(t, http.MethodPost, "/v1/refresh", "tok-alpha", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("refresh trigger status = %d, want 404 without a loop", resp.StatusCode)
	}
}

type gatedFetcher struct {
	release chan struct{}
}

func (f *gatedFetcher) Fetch(context.Context, refresh.RepoConfig) ([]knowledge.SourceDocument, error) {
	<-f.release
	return nil, nil
}

type noopIngester struct{}

func (noopIngester) IngestSource(context.Context, knowledge.SourceDocument) error { return nil }

func TestRESTTriggerRefresh(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"hi."})

	fetcher := &gatedFetcher{release: make(chan struct{})}
	loop, err := refresh.NewLoop(fetcher, noopIngester{}, nil, refresh.LoopConfig{
		Repos: []refresh.RepoConfig{{Owner: "org", Repo: "docs", Branch: "main"}},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}
	e.srv.deps.Refresh = loop
	released := false
	t.Cleanup(func() {
		if !released {
			close(fetcher.release)
		}
	})

	resp, body := e.do(t, http.MethodPost, "/v1/refresh", "tok-alpha", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("trigger status = %d, want 202", resp.StatusCode)
	}
	if body["started"] != true {
		t.Errorf("trigger body = %v, want started true", body)
	}

	// The first run is still in flight; a second trigger conflicts.
	resp, body = e.do(t, http.MethodPost, "/v1/refresh", "tok-alpha", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("overlapping trigger status = %d, want 409", resp.StatusCode)
	}
	if body["error"] != "refresh_in_progress" {
		t.Errorf("overlapping trigger error = %v, want refresh_in_progress", body["error"])
	}

	close(fetcher.release)
	released = true
}

func TestRESTDraining(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"hi."})

	e.srv.Close()

	resp, body := e.do(t, http.MethodPost, "/v1/sessions", "tok-alpha", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while draining", resp.StatusCode)
	}
	if body["error"] != "draining" {
		t.Errorf("error = %v, want draining", body["error"])
	}
}

// ─── streaming endpoint ───

func wsURL(httpURL, query string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/stream?" + query
}

func readTextFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) serverFrame {
	t.Helper()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if typ == websocket.MessageBinary {
			continue
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal frame %q: %v", data, err)
		}
		return f
	}
}

func sendJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func TestStreamAuthFailure(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"hi."})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(e.http.URL, "token=wrong"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != closeAuthFailure {
		t.Errorf("close status = %v, want 4001", websocket.CloseStatus(err))
	}
}

func TestStreamUnknownSession(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"hi."})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(e.http.URL, "token=tok-alpha&sessionId=nope"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != closeSessionUnknown {
		t.Errorf("close status = %v, want 4004", websocket.CloseStatus(err))
	}
}

func TestStreamFullTurn(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"Stream reply."})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.asr.Script(
		asr.Result{Text: "hello", IsFinal: false, Confidence: 0.8},
		asr.Result{Text: "hello there", IsFinal: true, Confidence: 0.95},
	)

	conn, _, err := websocket.Dial(ctx, wsURL(e.http.URL, "token=tok-alpha"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	connected := readTextFrame(t, ctx, conn)
	if connected.Type != frameConnected || connected.SessionID == "" {
		t.Fatalf("first frame = %+v, want connected with session id", connected)
	}

	sendJSON(t, ctx, conn, map[string]string{"type": "start"})
	started := readTextFrame(t, ctx, conn)
	if started.Type != framePipelineStarted || started.PipelineID == "" {
		t.Fatalf("frame = %+v, want pipeline-started", started)
	}

	for i := 0; i < 2; i++ {
		if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 640)); err != nil {
			t.Fatalf("binary write error = %v", err)
		}
	}
	sendJSON(t, ctx, conn, map[string]string{"type": "stop"})

	var (
		frames   []serverFrame
		lastTS   int64
		sawFinal bool
	)
	for {
		f := readTextFrame(t, ctx, conn)
		if f.Timestamp <= lastTS {
			t.Errorf("timestamp %d not after %d (frame %+v)", f.Timestamp, lastTS, f)
		}
		lastTS = f.Timestamp
		frames = append(frames, f)
		if f.Type == frameTranscript && f.IsFinal && f.Text == "hello there" {
			sawFinal = true
		}
		if f.Type == framePipelineStopped {
			break
		}
	}
	if !sawFinal {
		t.Error("missing final transcript frame")
	}

	var complete *serverFrame
	for i := range frames {
		if frames[i].Type == frameComplete {
			complete = &frames[i]
		}
	}
	if complete == nil {
		t.Fatal("missing complete frame")
	}
	if complete.Text != "Stream reply." || !complete.IsFinal {
		t.Errorf("complete frame = %+v", complete)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestStreamPingPong(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"hi."})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(e.http.URL, "token=tok-alpha"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	readTextFrame(t, ctx, conn) // connected

	sendJSON(t, ctx, conn, map[string]string{"type": "ping"})
	pong := readTextFrame(t, ctx, conn)
	if pong.Type != framePong {
		t.Errorf("frame = %+v, want pong", pong)
	}
}

func TestStreamRejectsInvalidFrame(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, []string{"hi."})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(e.http.URL, "token=tok-alpha"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	readTextFrame(t, ctx, conn) // connected

	sendJSON(t, ctx, conn, map[string]string{"type": "dance"})
	errFrame := readTextFrame(t, ctx, conn)
	if errFrame.Type != frameError {
		t.Errorf("frame = %+v, want error for invalid type", errFrame)
	}
}
