package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/testutil"
)

const (
	streamBody = `{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	unaryBody  = `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`
)

type fakeRotator struct {
	mu      sync.Mutex
	calls   int
	perform func(ctx context.Context) error
}

func (r *fakeRotator) Perform(ctx context.Context) error {
	r.mu.Lock()
	r.calls++
	fn := r.perform
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (r *fakeRotator) performed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeStreams hands out scripted interceptor streams in queue order, one
// per BeginRequest, and records the begin/end pairing.
type fakeStreams struct {
	mu      sync.Mutex
	scripts []*testutil.ScriptedStream
	onBegin func(call int)
	begun   []string
	ended   []string
}

func (f *fakeStreams) queue(s *testutil.ScriptedStream) {
	f.mu.Lock()
	f.scripts = append(f.scripts, s)
	f.mu.Unlock()
}

func (f *fakeStreams) BeginRequest(reqID string) interfaces.InterceptorStream {
	f.mu.Lock()
	call := len(f.begun)
	f.begun = append(f.begun, reqID)
	var s *testutil.ScriptedStream
	if len(f.scripts) > 0 {
		s = f.scripts[0]
		f.scripts = f.scripts[1:]
	} else {
		s = testutil.NewScriptedStream(interfaces.StreamEvent{Kind: interfaces.StreamDone})
	}
	hook := f.onBegin
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return s
}

func (f *fakeStreams) EndRequest(reqID string) {
	f.mu.Lock()
	f.ended = append(f.ended, reqID)
	f.mu.Unlock()
}

func (f *fakeStreams) pairs() (begun, ended []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.begun...), append([]string(nil), f.ended...)
}

type pipeFixture struct {
	t       *testing.T
	cfg     *config.Config
	clock   *testutil.FakeClock
	st      *state.RuntimeState
	page    *testutil.FakePage
	streams *fakeStreams
	rot     *fakeRotator
	pipe    *Pipeline
}

func newPipeFixture(t *testing.T) *pipeFixture {
	return newPipeFixtureWith(t, nil)
}

func newPipeFixtureWith(t *testing.T, mod func(*Deps)) *pipeFixture {
	t.Helper()
	clock := testutil.NewFakeClock(queueStart)
	f := &pipeFixture{
		t:     t,
		clock: clock,
		st:    state.NewRuntimeState(clock),
		page:  &testutil.FakePage{URL: "https://aistudio.google.com/prompts/new_chat"},
		cfg: &config.Config{
			DefaultModel:             "gemini-2.5-pro",
			CompletionTimeoutSeconds: 300,
			AutoRotate:               true,
		},
		streams: &fakeStreams{},
		rot:     &fakeRotator{},
	}
	deps := Deps{
		Config:  f.cfg,
		State:   f.st,
		Page:    f.page,
		Streams: f.streams,
		Rotator: f.rot,
	}
	if mod != nil {
		mod(&deps)
	}
	f.pipe = New(deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.pipe.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("queue worker did not stop")
		}
	})
	return f
}

func (f *pipeFixture) submit(body string, probe ClientProbe) *Item {
	f.t.Helper()
	it, err := f.pipe.Submit(context.Background(), []byte(body), probe)
	require.NoError(f.t, err)
	return it
}

// waitIdle blocks until the worker has fully unwound the current item,
// so page-side assertions do not race the cleanup path.
func (f *pipeFixture) waitIdle() {
	f.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := f.pipe.Snapshot(); s.WorkerState == workerIdle && s.QueueLength == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	f.t.Fatal("worker never returned to idle")
}

func drainChunks(t *testing.T, it *Item) []string {
	t.Helper()
	var out []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case payload, ok := <-it.Chunks:
			if !ok {
				return out
			}
			out = append(out, payload)
		case <-timeout:
			t.Fatal("chunk channel never closed")
		}
	}
}

func await(t *testing.T, it *Item) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := it.Await(ctx)
	require.NoError(t, err)
	return out
}

func TestPipelineStreamingDeliversChunks(t *testing.T) {
	f := newPipeFixture(t)
	f.streams.queue(testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamReason, Text: "let me think"},
		interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: "the answer"},
		interfaces.StreamEvent{Kind: interfaces.StreamDone},
	))

	it := f.submit(streamBody, nil)
	chunks := drainChunks(t, it)
	out := await(t, it)
	require.NoError(t, out.Err)

	require.Len(t, chunks, 3)
	assert.Equal(t, "chat.completion.chunk", gjson.Get(chunks[0], "object").String())
	assert.Equal(t, "let me think", gjson.Get(chunks[0], "choices.0.delta.content").String())
	assert.Equal(t, "\n\nthe answer", gjson.Get(chunks[1], "choices.0.delta.content").String())
	assert.Equal(t, "stop", gjson.Get(chunks[2], "choices.0.finish_reason").String())
	assert.True(t, gjson.Get(chunks[2], "usage").Exists())

	f.waitIdle()
	assert.Equal(t, []string{"hi"}, f.page.SubmittedPrompts)
	assert.Equal(t, 1, f.page.ClearChatCalls)
	begun, ended := f.streams.pairs()
	assert.Equal(t, []string{it.ReqID()}, begun)
	assert.Equal(t, begun, ended)
}

func TestPipelineUnaryBuildsResponse(t *testing.T) {
	f := newPipeFixture(t)
	f.streams.queue(testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamReason, Text: "think"},
		interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: "answer"},
		interfaces.StreamEvent{Kind: interfaces.StreamDone},
	))

	it := f.submit(unaryBody, nil)
	out := await(t, it)
	require.NoError(t, out.Err)

	assert.Equal(t, "chat.completion", gjson.Get(out.Response, "object").String())
	assert.Equal(t, "think\n\nanswer", gjson.Get(out.Response, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(out.Response, "choices.0.finish_reason").String())
	assert.True(t, gjson.Get(out.Response, "usage.total_tokens").Exists())
}

func TestPipelineQuotaUnwindReRunsAfterRecovery(t *testing.T) {
	f := newPipeFixture(t)
	f.streams.queue(testutil.NewScriptedStream(interfaces.StreamEvent{
		Kind: interfaces.StreamError,
		Err:  &interfaces.QuotaExceededError{Model: "gemini-2.5-pro"},
	}))
	f.streams.queue(testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: "recovered"},
		interfaces.StreamEvent{Kind: interfaces.StreamDone},
	))
	// The interceptor raises the flag when it sees the quota failure; the
	// first BeginRequest stands in for that moment.
	f.streams.onBegin = func(call int) {
		if call == 0 {
			f.st.FlagQuotaExceeded(state.ErrorKindQuotaExceeded, "gemini-2.5-pro")
		}
	}

	it := f.submit(unaryBody, nil)

	// The unwound request parks the worker until recovery clears the flag.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.pipe.Snapshot().WorkerState == workerWaiting {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, workerWaiting, f.pipe.Snapshot().WorkerState)

	// Pending waiters: the dead attempt's monitor poll, its silence timer,
	// and the ready poll about to recheck the flag.
	f.clock.BlockUntil(3)
	f.st.MarkRotationSuccess()
	f.clock.Advance(readyPollInterval)

	out := await(t, it)
	require.NoError(t, out.Err)
	assert.Equal(t, "recovered", gjson.Get(out.Response, "choices.0.message.content").String())

	// The watchdog owns quota recovery; the worker itself must not rotate.
	assert.Zero(t, f.rot.performed())
	begun, _ := f.streams.pairs()
	assert.Equal(t, []string{it.ReqID(), it.ReqID()}, begun)
}

func TestPipelineStreamRetriesOnceBeforeFirstChunk(t *testing.T) {
	f := newPipeFixture(t)
	f.streams.queue(testutil.NewScriptedStream(interfaces.StreamEvent{
		Kind: interfaces.StreamError,
		Err:  &interfaces.UpstreamError{Msg: "connection reset before response"},
	}))
	f.streams.queue(testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: "second attempt"},
		interfaces.StreamEvent{Kind: interfaces.StreamDone},
	))

	it := f.submit(streamBody, nil)
	chunks := drainChunks(t, it)
	out := await(t, it)
	require.NoError(t, out.Err)

	require.Len(t, chunks, 2)
	assert.Equal(t, "second attempt", gjson.Get(chunks[0], "choices.0.delta.content").String())
	assert.Equal(t, 1, f.rot.performed())
	begun, _ := f.streams.pairs()
	assert.Len(t, begun, 2)
}

func TestPipelineStreamSecondTransientSurfaces(t *testing.T) {
	f := newPipeFixture(t)
	for i := 0; i < 2; i++ {
		f.streams.queue(testutil.NewScriptedStream(interfaces.StreamEvent{
			Kind: interfaces.StreamError,
			Err:  &interfaces.RateLimitError{Msg: "429 from upstream"},
		}))
	}

	it := f.submit(streamBody, nil)
	chunks := drainChunks(t, it)
	out := await(t, it)

	assert.Empty(t, chunks)
	var rate *interfaces.RateLimitError
	require.ErrorAs(t, out.Err, &rate)
	assert.Equal(t, 1, f.rot.performed())
}

func TestPipelineUnaryUpstreamFailureDoesNotRetry(t *testing.T) {
	f := newPipeFixture(t)
	f.streams.queue(testutil.NewScriptedStream(interfaces.StreamEvent{
		Kind: interfaces.StreamError,
		Err:  &interfaces.RateLimitError{Msg: "429 from upstream"},
	}))

	it := f.submit(unaryBody, nil)
	out := await(t, it)

	var rate *interfaces.RateLimitError
	require.ErrorAs(t, out.Err, &rate)
	begun, _ := f.streams.pairs()
	assert.Len(t, begun, 1)
	assert.Zero(t, f.rot.performed())
}

func TestPipelineModelSwitchFailureReverts(t *testing.T) {
	f := newPipeFixture(t)
	f.st.SetCurrentModel("gemini-2.5-pro")
	f.page.SwitchErr = &interfaces.ModelSwitchError{Msg: "model not in list"}

	it := f.submit(`{"model":"gemini-9.9-ultra","messages":[{"role":"user","content":"hi"}]}`, nil)
	out := await(t, it)

	var swit *interfaces.ModelSwitchError
	require.ErrorAs(t, out.Err, &swit)
	f.waitIdle()
	assert.Equal(t, "gemini-2.5-pro", f.st.CurrentModel())
	assert.Empty(t, f.page.SubmittedPrompts)
	assert.Zero(t, f.page.ClearChatCalls)
}

func TestPipelinePageNotReadySurfaces(t *testing.T) {
	f := newPipeFixture(t)
	f.page.IsReadyErr = &interfaces.PageNotReadyError{Msg: "still booting"}

	it := f.submit(unaryBody, nil)
	out := await(t, it)

	var ready *interfaces.PageNotReadyError
	require.ErrorAs(t, out.Err, &ready)
}

func TestPipelineDisconnectMidStreamCancelsGeneration(t *testing.T) {
	f := newPipeFixture(t)
	f.streams.queue(testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: "partial"},
	))

	var connected atomic.Bool
	connected.Store(true)
	it := f.submit(streamBody, connected.Load)

	select {
	case first := <-it.Chunks:
		assert.Equal(t, "partial", gjson.Get(first, "choices.0.delta.content").String())
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never arrived")
	}
	connected.Store(false)

	// Three consecutive failed probes trip the monitor. Pending waiters
	// per round: two abandoned silence timers plus the monitor's poll.
	for i := 0; i < 3; i++ {
		f.clock.BlockUntil(3)
		f.clock.Advance(streamPollInterval)
	}

	out := await(t, it)
	var disc *interfaces.ClientDisconnectedError
	require.ErrorAs(t, out.Err, &disc)

	deadline := time.Now().Add(5 * time.Second)
	for f.page.CancelCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, f.page.CancelCount(), 1)
}

func TestPipelineEmptyStreamFallsBackToPageText(t *testing.T) {
	f := newPipeFixture(t)
	f.page.ResponseText = "straight off the page"
	f.streams.queue(testutil.NewScriptedStream(interfaces.StreamEvent{Kind: interfaces.StreamDone}))

	it := f.submit(streamBody, nil)
	chunks := drainChunks(t, it)
	out := await(t, it)
	require.NoError(t, out.Err)

	require.Len(t, chunks, 2)
	assert.Equal(t, "straight off the page", gjson.Get(chunks[0], "choices.0.delta.content").String())
	assert.Equal(t, "stop", gjson.Get(chunks[1], "choices.0.finish_reason").String())
}

func TestPipelineEmptyUnaryFallsBackToPageText(t *testing.T) {
	f := newPipeFixture(t)
	f.page.ResponseText = "rendered text"
	f.streams.queue(testutil.NewScriptedStream(interfaces.StreamEvent{Kind: interfaces.StreamDone}))

	it := f.submit(unaryBody, nil)
	out := await(t, it)
	require.NoError(t, out.Err)
	assert.Equal(t, "rendered text", gjson.Get(out.Response, "choices.0.message.content").String())
}

func TestPipelineEmptyEverywhereFails(t *testing.T) {
	f := newPipeFixture(t)
	f.streams.queue(testutil.NewScriptedStream(interfaces.StreamEvent{Kind: interfaces.StreamDone}))

	it := f.submit(unaryBody, nil)
	out := await(t, it)

	var empty *interfaces.EmptyResponseError
	require.ErrorAs(t, out.Err, &empty)
}

func TestPipelineLocalToolShortCircuit(t *testing.T) {
	var handled atomic.Int32
	f := newPipeFixtureWith(t, func(d *Deps) {
		tools := NewToolExecutor(d.Config)
		tools.Register("get_weather", func(ctx context.Context, args string) (string, error) {
			handled.Add(1)
			return `{"temp": 21}`, nil
		})
		d.Tools = tools
	})

	body := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"{\"city\": \"Oslo\"}"}],` +
		`"tools":[{"type":"function","function":{"name":"get_weather","parameters":{"type":"object"}}}],` +
		`"tool_choice":{"type":"function","function":{"name":"get_weather"}}}`

	it := f.submit(body, nil)
	out := await(t, it)
	require.NoError(t, out.Err)

	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, "get_weather", gjson.Get(out.Response, "choices.0.message.tool_calls.0.function.name").String())
	assert.Equal(t, `{"city": "Oslo"}`, gjson.Get(out.Response, "choices.0.message.tool_calls.0.function.arguments").String())
	assert.Equal(t, "tool_calls", gjson.Get(out.Response, "choices.0.finish_reason").String())
	assert.Equal(t, "null", gjson.Get(out.Response, "choices.0.message.content").Raw)

	f.waitIdle()
	assert.Empty(t, f.page.SubmittedPrompts)
	begun, _ := f.streams.pairs()
	assert.Empty(t, begun)
}

func TestPipelineLocalToolStreaming(t *testing.T) {
	f := newPipeFixtureWith(t, func(d *Deps) {
		tools := NewToolExecutor(d.Config)
		tools.Register("lookup", func(ctx context.Context, args string) (string, error) {
			return "{}", nil
		})
		d.Tools = tools
	})

	body := `{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"{\"id\": 7}"}],` +
		`"tools":[{"type":"function","function":{"name":"lookup"}}],"tool_choice":"auto"}`

	it := f.submit(body, nil)
	chunks := drainChunks(t, it)
	out := await(t, it)
	require.NoError(t, out.Err)

	require.Len(t, chunks, 2)
	assert.Equal(t, "lookup", gjson.Get(chunks[0], "choices.0.delta.tool_calls.0.function.name").String())
	assert.Equal(t, "tool_calls", gjson.Get(chunks[1], "choices.0.finish_reason").String())
}

func TestPipelineAttachmentsReachThePage(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("img"))
	body := fmt.Sprintf(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":[`+
		`{"type":"text","text":"describe"},`+
		`{"type":"image_url","image_url":{"url":"data:image/png;base64,%s"}}]}]}`, payload)

	f := newPipeFixture(t)
	f.streams.queue(testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: "a cat"},
		interfaces.StreamEvent{Kind: interfaces.StreamDone},
	))

	it := f.submit(body, nil)
	out := await(t, it)
	require.NoError(t, out.Err)

	f.waitIdle()
	require.Len(t, f.page.SubmittedFiles, 1)
	require.Len(t, f.page.SubmittedFiles[0], 1)
	assert.Equal(t, "upload-0.png", filepath.Base(f.page.SubmittedFiles[0][0]))

	// The per-request upload directory is gone after cleanup.
	_, statErr := os.Stat(filepath.Join(os.TempDir(), uploadDirName, it.ReqID()))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPipelineCancelQueuedRequest(t *testing.T) {
	clock := testutil.NewFakeClock(queueStart)
	st := state.NewRuntimeState(clock)
	pipe := New(Deps{
		Config: &config.Config{DefaultModel: "gemini-2.5-pro"},
		State:  st,
		Page:   &testutil.FakePage{},
	})

	it, err := pipe.Submit(context.Background(), []byte(unaryBody), nil)
	require.NoError(t, err)

	require.True(t, pipe.Cancel(it.ReqID()))
	out := await(t, it)
	var disc *interfaces.ClientDisconnectedError
	require.ErrorAs(t, out.Err, &disc)

	// Finished requests are forgotten immediately.
	assert.False(t, pipe.Cancel(it.ReqID()))
	assert.False(t, pipe.Cancel("zzzzzzzz"))
}

func TestPipelineSubmitValidation(t *testing.T) {
	clock := testutil.NewFakeClock(queueStart)
	st := state.NewRuntimeState(clock)
	pipe := New(Deps{Config: &config.Config{}, State: st, Page: &testutil.FakePage{}})

	_, err := pipe.Submit(context.Background(), []byte("{nope"), nil)
	var bad *interfaces.BadRequestError
	require.ErrorAs(t, err, &bad)

	_, err = pipe.Submit(context.Background(), []byte(`{"messages":[{"role":"user","content":"hi"}]}`), nil)
	var invalid *interfaces.InvalidModelError
	require.ErrorAs(t, err, &invalid)

	st.Shutdown()
	_, err = pipe.Submit(context.Background(), []byte(unaryBody), nil)
	var ready *interfaces.PageNotReadyError
	require.ErrorAs(t, err, &ready)
}

func TestPipelineSnapshotReportsQueue(t *testing.T) {
	clock := testutil.NewFakeClock(queueStart)
	st := state.NewRuntimeState(clock)
	pipe := New(Deps{
		Config: &config.Config{DefaultModel: "gemini-2.5-pro"},
		State:  st,
		Page:   &testutil.FakePage{},
	})

	a, err := pipe.Submit(context.Background(), []byte(unaryBody), nil)
	require.NoError(t, err)
	b, err := pipe.Submit(context.Background(), []byte(unaryBody), nil)
	require.NoError(t, err)

	snap := pipe.Snapshot()
	assert.Equal(t, 2, snap.QueueLength)
	assert.Equal(t, []string{a.ReqID(), b.ReqID()}, snap.Queued)
	assert.Equal(t, workerIdle, snap.WorkerState)
	assert.Empty(t, snap.ProcessingReqID)
}

func TestPipelineDefaultModelApplied(t *testing.T) {
	f := newPipeFixture(t)
	f.streams.queue(testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: "ok"},
		interfaces.StreamEvent{Kind: interfaces.StreamDone},
	))

	it := f.submit(`{"messages":[{"role":"user","content":"hi"}]}`, nil)
	out := await(t, it)
	require.NoError(t, out.Err)
	assert.Equal(t, "gemini-2.5-pro", gjson.Get(out.Response, "model").String())
	assert.Equal(t, "gemini-2.5-pro", it.Req.ModelID)
}
