package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/assembly"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/constant"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/logging"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/openai"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/snapshot"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/usage"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/util"
)

const (
	workerIdle       = "idle"
	workerWaiting    = "waiting_ready"
	workerProcessing = "processing"

	readyPollInterval = 100 * time.Millisecond
	cleanupTimeout    = 30 * time.Second
	snapshotURLBudget = 5 * time.Second

	// A stream that dies before its first chunk gets exactly one retry
	// on a fresh profile.
	maxTransientRetries = 1
)

var errClientGone = errors.New("client gone")

type disposition int

const (
	dispDone disposition = iota
	dispRequeue
)

// worker drains the queue one item at a time. procMu is the processing
// lock: while held, no rotation may swap profiles underneath the active
// request.
type worker struct {
	p      *Pipeline
	d      Deps
	clock  interfaces.Clock
	procMu sync.Mutex

	streamer *assembly.Streamer

	paramsMu    sync.Mutex
	paramsCache map[string]interfaces.GenerationParams

	stateMu sync.Mutex
	wstate  string
	current string
}

func newWorker(p *Pipeline) *worker {
	return &worker{
		p:           p,
		d:           p.d,
		clock:       p.d.State.Clock(),
		streamer:    assembly.NewStreamer(p.d.State.Clock()),
		paramsCache: make(map[string]interfaces.GenerationParams),
		wstate:      workerIdle,
	}
}

func (w *worker) currentState() (string, string) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.wstate, w.current
}

func (w *worker) setState(state, reqID string) {
	w.stateMu.Lock()
	w.wstate = state
	w.current = reqID
	w.stateMu.Unlock()
}

func (w *worker) run(ctx context.Context) error {
	log.Debug("queue worker started")
	for {
		w.setState(workerIdle, "")
		it, err := w.p.q.pop(ctx, w.d.State.ShutdownChan())
		if err != nil {
			return err
		}

		if err := w.awaitReady(ctx, it); err != nil {
			if errors.Is(err, errClientGone) {
				it.Cancel()
				it.fail(&interfaces.ClientDisconnectedError{Msg: "client disconnected while parked"})
				it.closeChunks()
				w.p.untrack(it.ReqID())
				continue
			}
			it.fail(&interfaces.PageNotReadyError{Msg: "service is shutting down"})
			it.closeChunks()
			w.p.untrack(it.ReqID())
			return err
		}

		switch w.processOne(ctx, it) {
		case dispRequeue:
			w.p.q.pushFront(it)
			// A quota hit parks the queue and leaves recovery to the
			// watchdog. Any other first-chunk failure needs a swap here
			// so the retry runs on a fresh profile.
			if !w.d.State.QuotaExceeded() && w.d.Rotator != nil {
				log.Infof("request %s: rotating before retry", it.ReqID())
				if err := w.d.Rotator.Perform(ctx); err != nil {
					log.Errorf("rotation before retry failed: %v", err)
				}
			}
		default:
			w.p.untrack(it.ReqID())
			w.maybeRotateBetweenRequests(ctx)
		}
	}
}

// awaitReady parks the worker until the rotation lock is resolved and no
// quota flag is raised. The item's client is watched the whole time.
func (w *worker) awaitReady(ctx context.Context, it *Item) error {
	w.setState(workerWaiting, it.ReqID())
	for {
		if it.Cancelled() || !it.Probe() {
			return errClientGone
		}
		if w.d.State.IsShuttingDown() {
			return context.Canceled
		}
		if w.d.State.RotationLock().IsSet() && !w.d.State.QuotaExceeded() {
			return nil
		}
		if err := w.clock.Sleep(ctx, readyPollInterval); err != nil {
			return err
		}
	}
}

func (w *worker) maybeRotateBetweenRequests(ctx context.Context) {
	if !w.d.State.NeedsRotation() || w.d.State.QuotaExceeded() {
		return
	}
	if !w.d.Config.AutoRotate || w.d.Rotator == nil {
		return
	}
	log.Info("soft quota limit reached, rotating profile between requests")
	if err := w.d.Rotator.Perform(ctx); err != nil {
		log.Errorf("scheduled rotation failed: %v", err)
	}
}

func (w *worker) processOne(ctx context.Context, it *Item) disposition {
	w.procMu.Lock()
	defer w.procMu.Unlock()

	req := it.Req
	w.setState(workerProcessing, req.ReqID)
	it.Attempts++
	it.completion.Clear()
	log.Infof("request %s: processing model=%s stream=%v attempt=%d", req.ReqID, req.ModelID, req.Stream, it.Attempts)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-it.completion.Done():
			cancel()
		case <-reqCtx.Done():
		}
	}()

	var updir string
	submitted := false
	defer func() {
		w.cleanup(it, updir, submitted)
	}()
	defer it.completion.Set()

	mon := &monitor{clock: w.clock, it: it, page: w.d.Page}
	go mon.run(reqCtx)

	if name, ok := req.LocalToolTarget(); ok && w.d.Tools != nil {
		return w.runLocalTool(reqCtx, it, name)
	}

	if err := w.d.Page.IsReady(reqCtx); err != nil {
		return w.finish(it, Outcome{Err: asPageNotReady(err)})
	}

	if err := w.switchModel(reqCtx, req.ModelID); err != nil {
		return w.finish(it, Outcome{Err: err})
	}

	w.adjustParams(reqCtx, req)

	prompt := BuildPrompt(req.Messages)
	files, dir, err := prepareAttachments(req)
	if err != nil {
		return w.finish(it, Outcome{Err: err})
	}
	updir = dir

	var events interfaces.InterceptorStream
	if w.d.Streams != nil {
		events = w.d.Streams.BeginRequest(req.ReqID)
		defer w.d.Streams.EndRequest(req.ReqID)
	}

	if err := w.d.Page.Submit(reqCtx, prompt, files); err != nil {
		err = w.classify(it, err)
		w.maybeSnapshot(req, "submit", err)
		return w.finish(it, Outcome{Err: err})
	}
	submitted = true

	timeout := responseTimeout(len(prompt), time.Duration(w.d.Config.CompletionTimeoutSeconds)*time.Second, w.d.State.IsRecovering())
	if req.Stream {
		return w.streamResponse(reqCtx, it, events, prompt, timeout)
	}
	return w.collectResponse(reqCtx, it, events, prompt, timeout)
}

func (w *worker) streamResponse(reqCtx context.Context, it *Item, events interfaces.InterceptorStream, prompt string, timeout time.Duration) disposition {
	req := it.Req
	env := assembly.NewEnvelope(req.ReqID, req.ModelID, w.clock.Now())
	trace := w.streamTraceWriter(req, prompt)
	defer func() { _ = trace.Close() }()

	emit := func(payload string) {
		if it.sendChunk(reqCtx, payload) {
			trace.WriteChunkAsync([]byte(payload))
		}
	}

	var sum *assembly.Summary
	var err error
	if events != nil {
		sum, err = w.streamer.Run(reqCtx, events, assembly.StreamParams{
			Envelope: env,
			Timeout:  timeout,
			Silence:  silenceThreshold(timeout),
			UsageFor: func(output string) *usage.Tally {
				tally := w.estimate(req, output)
				return &tally
			},
		}, emit)
	} else {
		sum, err = w.directStream(reqCtx, req, env, prompt, timeout, emit)
	}

	if err == nil {
		w.recordUsage(req, sum.Output)
		_ = trace.WriteStatus(200, "completed")
		return w.finish(it, Outcome{})
	}

	var emptyErr *interfaces.EmptyResponseError
	if errors.As(err, &emptyErr) && sum.Chunks == 0 {
		if text := w.fallbackText(reqCtx, prompt, timeout); text != "" {
			w.maybeSnapshot(req, "integrity-fallback", err)
			emit(env.ContentChunk(text))
			tally := w.estimate(req, text)
			emit(env.FinalChunk(constant.FinishStop, &tally))
			w.recordUsage(req, text)
			_ = trace.WriteStatus(200, "completed via page fallback")
			return w.finish(it, Outcome{})
		}
	}

	return w.settleFailure(it, sum.Chunks, err, trace)
}

func (w *worker) collectResponse(reqCtx context.Context, it *Item, events interfaces.InterceptorStream, prompt string, timeout time.Duration) disposition {
	req := it.Req
	env := assembly.NewEnvelope(req.ReqID, req.ModelID, w.clock.Now())

	var sum *assembly.Summary
	var err error
	if events != nil {
		sum, err = assembly.Collect(reqCtx, w.clock, events, timeout)
	} else {
		sum, err = w.directCollect(reqCtx, prompt, timeout)
	}

	var emptyErr *interfaces.EmptyResponseError
	if err != nil && errors.As(err, &emptyErr) {
		if text := w.fallbackText(reqCtx, prompt, timeout); text != "" {
			w.maybeSnapshot(req, "integrity-fallback", err)
			sum = assembly.TextSummary(text)
			err = nil
		}
	}
	if err != nil {
		return w.settleFailure(it, 0, err, &logging.NoOpStreamingLogWriter{})
	}

	tally := w.estimate(req, sum.Output)
	w.recordUsage(req, sum.Output)
	body := assembly.BuildResponse(req, env, sum, tally)
	w.logUnary(req, prompt, 200, body)
	return w.finish(it, Outcome{Response: body})
}

// settleFailure decides between re-queueing and failing the sink. Quota
// hits unwind without failing the caller; a streaming first-chunk
// transient gets one rotation-backed retry.
func (w *worker) settleFailure(it *Item, chunksOut int, err error, trace logging.StreamingLogWriter) disposition {
	req := it.Req
	err = w.classify(it, err)

	var quotaErr *interfaces.QuotaExceededError
	if errors.As(err, &quotaErr) && chunksOut == 0 && !it.Cancelled() {
		log.Warnf("request %s: quota exceeded (model=%s), re-queueing at head", req.ReqID, quotaErr.Model)
		_ = trace.WriteStatus(502, "quota exceeded, re-queued")
		return dispRequeue
	}

	if req.Stream && chunksOut == 0 && !it.Cancelled() && transientUpstream(err) && it.transientRetries < maxTransientRetries {
		it.transientRetries++
		log.Warnf("request %s: upstream failed before first chunk (%v), re-queueing for one retry", req.ReqID, err)
		_ = trace.WriteStatus(502, "transient failure, re-queued")
		return dispRequeue
	}

	w.maybeSnapshot(req, "response", err)
	_ = trace.WriteStatus(traceStatus(err), err.Error())
	return w.finish(it, Outcome{Err: err})
}

// directStream serves streaming requests without the upstream feed: one
// blocking page read, replayed as a single chunk plus terminator.
func (w *worker) directStream(reqCtx context.Context, req *openai.Request, env assembly.Envelope, prompt string, timeout time.Duration, emit func(string)) (*assembly.Summary, error) {
	text, err := w.d.Page.GetResponse(reqCtx, len(prompt), timeout)
	if err != nil {
		return assembly.TextSummary(""), err
	}
	if text == "" {
		return assembly.TextSummary(""), &interfaces.EmptyResponseError{UpstreamError: interfaces.UpstreamError{Msg: "page returned no text"}}
	}
	sum := assembly.TextSummary(text)
	emit(env.ContentChunk(text))
	sum.Chunks++
	tally := w.estimate(req, text)
	emit(env.FinalChunk(constant.FinishStop, &tally))
	sum.Chunks++
	return sum, nil
}

func (w *worker) directCollect(reqCtx context.Context, prompt string, timeout time.Duration) (*assembly.Summary, error) {
	text, err := w.d.Page.GetResponse(reqCtx, len(prompt), timeout)
	if err != nil {
		return assembly.TextSummary(""), err
	}
	if text == "" {
		return assembly.TextSummary(""), &interfaces.EmptyResponseError{UpstreamError: interfaces.UpstreamError{Msg: "page returned no text"}}
	}
	return assembly.TextSummary(text), nil
}

// fallbackText re-reads the rendered response off the page after the
// intercepted stream came back empty.
func (w *worker) fallbackText(reqCtx context.Context, prompt string, timeout time.Duration) string {
	if reqCtx.Err() != nil {
		return ""
	}
	text, err := w.d.Page.GetResponse(reqCtx, len(prompt), timeout)
	if err != nil {
		log.Warnf("page fallback read failed: %v", err)
		return ""
	}
	return text
}

func (w *worker) runLocalTool(reqCtx context.Context, it *Item, name string) disposition {
	req := it.Req
	argsSource := req.LatestUserText()
	if argsSource == "" && len(req.Messages) > 0 {
		argsSource = req.Messages[len(req.Messages)-1].PlainText()
	}
	args := ToolArgsFromText(argsSource)
	log.Infof("request %s: executing local tool %s", req.ReqID, name)

	result, err := w.d.Tools.Execute(reqCtx, name, args)
	if err != nil {
		if reqCtx.Err() != nil && it.Cancelled() {
			return w.finish(it, Outcome{Err: &interfaces.ClientDisconnectedError{Msg: "client disconnected during tool execution"}})
		}
		return w.finish(it, Outcome{Err: fmt.Errorf("local tool %s: %w", name, err)})
	}
	log.Debugf("request %s: tool %s returned %d bytes", req.ReqID, name, len(result))

	env := assembly.NewEnvelope(req.ReqID, req.ModelID, w.clock.Now())
	sum := assembly.TextSummary("")
	sum.SetCalls([]interfaces.FunctionCall{{Name: name, Arguments: args}})
	tally := w.estimate(req, "")

	if req.Stream {
		it.sendChunk(reqCtx, env.ToolCallsChunk(sum.Calls, sum.CallIDs))
		it.sendChunk(reqCtx, env.FinalChunk(constant.FinishToolCalls, &tally))
		return w.finish(it, Outcome{})
	}
	body := assembly.BuildResponse(req, env, sum, tally)
	return w.finish(it, Outcome{Response: body})
}

func (w *worker) switchModel(ctx context.Context, modelID string) error {
	current := w.d.State.CurrentModel()
	if current != "" && util.NormalizeModelID(current) == util.NormalizeModelID(modelID) {
		return nil
	}
	w.d.State.SetCurrentModel(modelID)
	if err := w.d.Page.SwitchModel(ctx, modelID); err != nil {
		w.d.State.SetCurrentModel(current)
		var switchErr *interfaces.ModelSwitchError
		var invalidErr *interfaces.InvalidModelError
		if errors.As(err, &switchErr) || errors.As(err, &invalidErr) {
			return err
		}
		return &interfaces.ModelSwitchError{Msg: fmt.Sprintf("switch to %s failed: %v", modelID, err)}
	}
	return nil
}

// adjustParams reconciles the page UI with the request's generation
// parameters, skipping the round trip when the cached state already
// matches. Failures degrade to the current UI values.
func (w *worker) adjustParams(ctx context.Context, req *openai.Request) {
	desired := interfaces.GenerationParams{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		MaxTokens:     req.MaxTokens,
		Stop:          req.Stop,
		ThinkingLevel: req.ThinkingLevel,
	}
	w.paramsMu.Lock()
	defer w.paramsMu.Unlock()
	if cached, ok := w.paramsCache[req.ModelID]; ok && paramsEqual(cached, desired) {
		return
	}
	if err := w.d.Page.AdjustParameters(ctx, desired, req.ModelID); err != nil {
		log.Warnf("request %s: parameter adjustment failed, submitting with current UI values: %v", req.ReqID, err)
		delete(w.paramsCache, req.ModelID)
		return
	}
	w.paramsCache[req.ModelID] = desired
}

func (w *worker) cleanup(it *Item, updir string, submitted bool) {
	if submitted {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		if err := w.d.Page.ClearChatHistory(cctx); err != nil {
			log.Warnf("request %s: clear chat failed, reloading page: %v", it.ReqID(), err)
			if rerr := w.d.Page.Reload(cctx); rerr != nil {
				log.Errorf("request %s: page reload failed: %v", it.ReqID(), rerr)
			}
		}
		cancel()
	}
	removeUploadDir(updir)
	if submitted && !it.Cancelled() && !w.d.State.QuotaExceeded() && w.d.Refresher != nil {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		w.d.Refresher.MaybeSaveAfterRequest(cctx)
		cancel()
	}
}

func (w *worker) finish(it *Item, out Outcome) disposition {
	if out.Err != nil {
		it.fail(out.Err)
	} else {
		it.succeed(out.Response)
	}
	it.closeChunks()
	return dispDone
}

// classify maps raw failures onto the typed error surface, giving client
// disconnects and shutdown precedence over whatever the page reported.
func (w *worker) classify(it *Item, err error) error {
	if it.Cancelled() {
		return &interfaces.ClientDisconnectedError{Msg: "client disconnected during processing"}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if w.d.State.IsShuttingDown() {
			return &interfaces.PageNotReadyError{Msg: "service is shutting down"}
		}
		return err
	}
	return err
}

func (w *worker) estimate(req *openai.Request, output string) usage.Tally {
	if w.d.Estimator == nil {
		return usage.Tally{}
	}
	return w.d.Estimator.Estimate(req.Messages, output, req.ModelID)
}

func (w *worker) recordUsage(req *openai.Request, output string) {
	if w.d.Accountant == nil || w.d.Estimator == nil {
		return
	}
	tally := w.d.Estimator.Estimate(req.Messages, output, req.ModelID)
	if err := w.d.Accountant.RecordUsage(req.ModelID, int64(tally.TotalTokens)); err != nil {
		var quotaErr *interfaces.QuotaExceededError
		if errors.As(err, &quotaErr) {
			// The response already completed; deliver it and let the
			// raised flag trigger rotation before the next pickup.
			log.Warnf("request %s: hard quota limit crossed after completion", req.ReqID)
			return
		}
		log.Warnf("request %s: usage accounting failed: %v", req.ReqID, err)
	}
}

func (w *worker) maybeSnapshot(req *openai.Request, stage string, err error) {
	if w.d.Snapshots == nil || !snapshotWorthy(err) {
		return
	}
	pctx, cancel := context.WithTimeout(context.Background(), snapshotURLBudget)
	pageURL := w.d.Page.CurrentURL(pctx)
	cancel()

	bundle := snapshot.Bundle{
		ReqID:     req.ReqID,
		Model:     req.ModelID,
		Stage:     stage,
		PageURL:   pageURL,
		Error:     err.Error(),
		LogLines:  w.d.State.RecentDebugLogs(50),
		CreatedAt: w.clock.Now(),
	}
	if key, serr := w.d.Snapshots.Save(bundle); serr != nil {
		log.Warnf("request %s: snapshot save failed: %v", req.ReqID, serr)
	} else {
		log.Infof("request %s: diagnostic snapshot saved as %s", req.ReqID, key)
	}
}

// snapshotWorthy limits bundles to server-side failures; client mistakes
// and routine unwinds are not diagnostics.
func snapshotWorthy(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var (
		disc    *interfaces.ClientDisconnectedError
		bad     *interfaces.BadRequestError
		invalid *interfaces.InvalidModelError
		swit    *interfaces.ModelSwitchError
		ready   *interfaces.PageNotReadyError
		quota   *interfaces.QuotaExceededError
		gate    *interfaces.GateTimeoutError
	)
	if errors.As(err, &disc) || errors.As(err, &bad) || errors.As(err, &invalid) ||
		errors.As(err, &swit) || errors.As(err, &ready) || errors.As(err, &quota) ||
		errors.As(err, &gate) {
		return false
	}
	return true
}

// transientUpstream reports failures worth one rotation-backed retry.
func transientUpstream(err error) bool {
	var rate *interfaces.RateLimitError
	var up *interfaces.UpstreamError
	return errors.As(err, &rate) || errors.As(err, &up)
}

func traceStatus(err error) int {
	var (
		disc    *interfaces.ClientDisconnectedError
		bad     *interfaces.BadRequestError
		invalid *interfaces.InvalidModelError
		swit    *interfaces.ModelSwitchError
		ready   *interfaces.PageNotReadyError
		timeout *interfaces.ResponseTimeoutError
	)
	switch {
	case errors.As(err, &disc):
		return 499
	case errors.As(err, &bad):
		return 400
	case errors.As(err, &invalid), errors.As(err, &swit):
		return 422
	case errors.As(err, &ready):
		return 503
	case errors.As(err, &timeout):
		return 504
	default:
		return 502
	}
}

func asPageNotReady(err error) error {
	var ready *interfaces.PageNotReadyError
	if errors.As(err, &ready) {
		return err
	}
	return &interfaces.PageNotReadyError{Msg: err.Error()}
}

func paramsEqual(a, b interfaces.GenerationParams) bool {
	if !floatPtrEqual(a.Temperature, b.Temperature) || !floatPtrEqual(a.TopP, b.TopP) || !intPtrEqual(a.MaxTokens, b.MaxTokens) {
		return false
	}
	if a.ThinkingLevel != b.ThinkingLevel || len(a.Stop) != len(b.Stop) {
		return false
	}
	for i := range a.Stop {
		if a.Stop[i] != b.Stop[i] {
			return false
		}
	}
	return true
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (w *worker) streamTraceWriter(req *openai.Request, prompt string) logging.StreamingLogWriter {
	if w.d.ReqLog == nil || !w.d.ReqLog.IsEnabled() {
		return &logging.NoOpStreamingLogWriter{}
	}
	wtr, err := w.d.ReqLog.LogStreamingRequest(req.ReqID, req.ModelID, req.RawBody, prompt)
	if err != nil {
		log.Warnf("request %s: trace open failed: %v", req.ReqID, err)
		return &logging.NoOpStreamingLogWriter{}
	}
	return wtr
}

func (w *worker) logUnary(req *openai.Request, prompt string, status int, response string) {
	if w.d.ReqLog == nil || !w.d.ReqLog.IsEnabled() {
		return
	}
	if err := w.d.ReqLog.LogRequest(req.ReqID, req.ModelID, req.RawBody, prompt, status, []byte(response)); err != nil {
		log.Warnf("request %s: trace write failed: %v", req.ReqID, err)
	}
}
