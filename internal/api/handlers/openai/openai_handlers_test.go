package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/api/handlers"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/pipeline"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/registry"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/testutil"
)

const (
	streamBody = `{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	unaryBody  = `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// scriptedSource hands out scripted interceptor streams in queue order,
// one per request, defaulting to an immediately-done stream.
type scriptedSource struct {
	mu      sync.Mutex
	scripts []*testutil.ScriptedStream
}

func (s *scriptedSource) queue(str *testutil.ScriptedStream) {
	s.mu.Lock()
	s.scripts = append(s.scripts, str)
	s.mu.Unlock()
}

func (s *scriptedSource) BeginRequest(reqID string) interfaces.InterceptorStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.scripts) == 0 {
		return testutil.NewScriptedStream(interfaces.StreamEvent{Kind: interfaces.StreamDone})
	}
	str := s.scripts[0]
	s.scripts = s.scripts[1:]
	return str
}

func (s *scriptedSource) EndRequest(string) {}

type apiFixture struct {
	t    *testing.T
	cfg  *config.Config
	page *testutil.FakePage
	src  *scriptedSource
	pipe *pipeline.Pipeline
	srv  *httptest.Server
}

// newAPIFixture builds the handler surface over a real pipeline. With
// runWorker false, submitted requests sit in the queue, which is what
// the cancellation tests need.
func newAPIFixture(t *testing.T, runWorker bool) *apiFixture {
	t.Helper()

	f := &apiFixture{
		t: t,
		cfg: &config.Config{
			DefaultModel:             "gemini-2.5-pro",
			CompletionTimeoutSeconds: 300,
		},
		page: &testutil.FakePage{URL: "https://aistudio.google.com/prompts/new_chat"},
		src:  &scriptedSource{},
	}
	st := state.NewRuntimeState(nil)
	f.pipe = pipeline.New(pipeline.Deps{
		Config:  f.cfg,
		State:   st,
		Page:    f.page,
		Streams: f.src,
	})

	if runWorker {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = f.pipe.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	h := NewOpenAIAPIHandler(f.pipe, registry.New(f.cfg, f.page))
	engine := gin.New()
	engine.POST("/v1/chat/completions", h.ChatCompletions)
	engine.POST("/v1/cancel/:req_id", h.CancelRequest)
	engine.GET("/v1/queue", h.Queue)
	engine.GET("/v1/models", h.OpenAIModels)

	f.srv = httptest.NewServer(engine)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) post(path, body string) *http.Response {
	f.t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(f.t, err)
	return resp
}

func (f *apiFixture) get(path string) *http.Response {
	f.t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(f.t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

// readSSEFrames consumes the whole response body and returns the data
// payloads in order, with the "data: " framing stripped.
func readSSEFrames(t *testing.T, resp *http.Response) []string {
	t.Helper()
	raw := readBody(t, resp)
	var frames []string
	for _, block := range strings.Split(raw, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		require.True(t, strings.HasPrefix(block, "data: "), "unexpected frame %q", block)
		frames = append(frames, strings.TrimPrefix(block, "data: "))
	}
	return frames
}

func TestChatCompletionsStreamsSSE(t *testing.T) {
	f := newAPIFixture(t, true)
	f.src.queue(testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: "Hello world"},
		interfaces.StreamEvent{Kind: interfaces.StreamDone},
	))

	resp := f.post("/v1/chat/completions", streamBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	frames := readSSEFrames(t, resp)
	require.Len(t, frames, 3)
	assert.Equal(t, "[DONE]", frames[2])
	assert.Equal(t, "chat.completion.chunk", gjson.Get(frames[0], "object").String())
	assert.Equal(t, "Hello world", gjson.Get(frames[0], "choices.0.delta.content").String())
	assert.Equal(t, "stop", gjson.Get(frames[1], "choices.0.finish_reason").String())
}

func TestChatCompletionsUnaryDocument(t *testing.T) {
	f := newAPIFixture(t, true)
	f.src.queue(testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: "Hello world"},
		interfaces.StreamEvent{Kind: interfaces.StreamDone},
	))

	resp := f.post("/v1/chat/completions", unaryBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	doc := readBody(t, resp)
	assert.Equal(t, "chat.completion", gjson.Get(doc, "object").String())
	assert.Equal(t, "Hello world", gjson.Get(doc, "choices.0.message.content").String())
	assert.True(t, strings.HasPrefix(gjson.Get(doc, "id").String(), "chatcmpl-"))
	assert.True(t, gjson.Get(doc, "usage.total_tokens").Exists())
}

func TestChatCompletionsRejectsMalformedJSON(t *testing.T) {
	f := newAPIFixture(t, false)

	resp := f.post("/v1/chat/completions", "{not json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	doc := readBody(t, resp)
	assert.Equal(t, "invalid_request_error", gjson.Get(doc, "error.type").String())
	assert.True(t, gjson.Get(doc, "error.param").Exists())
}

func TestChatCompletionsUpstreamFailure(t *testing.T) {
	f := newAPIFixture(t, true)
	f.src.queue(testutil.NewScriptedStream(interfaces.StreamEvent{
		Kind: interfaces.StreamError,
		Err:  &interfaces.UpstreamError{Msg: "upstream returned 500"},
	}))

	resp := f.post("/v1/chat/completions", unaryBody)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "10", resp.Header.Get("Retry-After"))

	doc := readBody(t, resp)
	assert.Equal(t, "server_error", gjson.Get(doc, "error.type").String())
	assert.NotEmpty(t, gjson.Get(doc, "error.code").String())
	assert.Contains(t, gjson.Get(doc, "error.message").String(), "upstream returned 500")
}

func TestStreamAbortSkipsDoneMarker(t *testing.T) {
	f := newAPIFixture(t, true)
	f.src.queue(testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: "partial"},
		interfaces.StreamEvent{Kind: interfaces.StreamError, Err: &interfaces.UpstreamError{Msg: "connection reset"}},
	))

	resp := f.post("/v1/chat/completions", streamBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readSSEFrames(t, resp)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.NotEqual(t, "[DONE]", last)
	assert.Contains(t, gjson.Get(last, "error.message").String(), "connection reset")
	assert.Equal(t, "server_error", gjson.Get(last, "error.type").String())
}

func TestCancelUnknownRequest(t *testing.T) {
	f := newAPIFixture(t, false)

	resp := f.post("/v1/cancel/deadbeef", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	doc := readBody(t, resp)
	assert.Equal(t, "invalid_request_error", gjson.Get(doc, "error.type").String())
}

func TestCancelQueuedRequest(t *testing.T) {
	f := newAPIFixture(t, false)

	type result struct {
		status int
		body   string
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := http.Post(f.srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(unaryBody))
		if err != nil {
			resCh <- result{}
			return
		}
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		resCh <- result{status: resp.StatusCode, body: string(data)}
	}()

	// With no worker running the request stays queued; find its id.
	var reqID string
	require.Eventually(t, func() bool {
		snap := readBody(t, f.get("/v1/queue"))
		reqID = gjson.Get(snap, "queued_req_ids.0").String()
		return reqID != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp := f.post("/v1/cancel/"+reqID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelDoc := readBody(t, resp)
	assert.True(t, gjson.Get(cancelDoc, "success").Bool())
	assert.Equal(t, reqID, gjson.Get(cancelDoc, "req_id").String())

	res := <-resCh
	assert.Equal(t, handlers.StatusClientClosedRequest, res.status)
	assert.Equal(t, "invalid_request_error", gjson.Get(res.body, "error.type").String())

	// A second cancel finds nothing.
	resp = f.post("/v1/cancel/"+reqID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestQueueSnapshotShape(t *testing.T) {
	f := newAPIFixture(t, true)

	snap := readBody(t, f.get("/v1/queue"))
	assert.Equal(t, int64(0), gjson.Get(snap, "queue_length").Int())
	assert.Equal(t, "idle", gjson.Get(snap, "worker_state").String())
	assert.Equal(t, int64(0), gjson.Get(snap, "canary_skips").Int())
}
