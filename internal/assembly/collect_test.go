package assembly

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/testutil"
)

func TestCollectConsolidates(t *testing.T) {
	clock := testutil.NewFakeClock(streamStart)
	stream := testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamReason, Text: "think"},
		interfaces.StreamEvent{Kind: interfaces.StreamBody, Text: "ans"},
		interfaces.StreamEvent{Kind: interfaces.StreamDone},
	)

	sum, err := Collect(context.Background(), clock, stream, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "think\n\nans", sum.Output)
	assert.Equal(t, "stop", sum.FinishReason)
}

func TestCollectFunctionCalls(t *testing.T) {
	clock := testutil.NewFakeClock(streamStart)
	stream := testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamFunction, Functions: []interfaces.FunctionCall{
			{Name: "lookup", Arguments: `{"id":7}`},
		}},
		interfaces.StreamEvent{Kind: interfaces.StreamDone},
	)

	sum, err := Collect(context.Background(), clock, stream, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, sum.Calls, 1)
	assert.Equal(t, "lookup", sum.Calls[0].Name)
	assert.Equal(t, "tool_calls", sum.FinishReason)
	require.Len(t, sum.CallIDs, 1)
}

func TestCollectEmpty(t *testing.T) {
	clock := testutil.NewFakeClock(streamStart)
	stream := testutil.NewScriptedStream(interfaces.StreamEvent{Kind: interfaces.StreamDone})

	_, err := Collect(context.Background(), clock, stream, 2*time.Minute)
	var empty *interfaces.EmptyResponseError
	require.ErrorAs(t, err, &empty)
}

func TestCollectTimeout(t *testing.T) {
	clock := testutil.NewFakeClock(streamStart)
	stream := testutil.NewScriptedStream()
	errCh := make(chan error, 1)

	go func() {
		_, err := Collect(context.Background(), clock, stream, 2*time.Minute)
		errCh <- err
	}()
	clock.BlockUntil(1)
	clock.Advance(2 * time.Minute)

	var timeout *interfaces.ResponseTimeoutError
	require.ErrorAs(t, <-errCh, &timeout)
}

func TestCollectPropagatesUpstreamError(t *testing.T) {
	clock := testutil.NewFakeClock(streamStart)
	stream := testutil.NewScriptedStream(
		interfaces.StreamEvent{Kind: interfaces.StreamError, Err: &interfaces.QuotaExceededError{Model: "gemini-2.5-flash"}},
	)

	_, err := Collect(context.Background(), clock, stream, 2*time.Minute)
	var quota *interfaces.QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, "gemini-2.5-flash", quota.Model)
}

// The streaming and unary paths must agree on the assistant text for the
// same upstream events.
func TestStreamingMatchesUnaryConsolidation(t *testing.T) {
	events := []interfaces.StreamEvent{
		{Kind: interfaces.StreamReason, Text: "step one"},
		{Kind: interfaces.StreamReason, Text: ", step two"},
		{Kind: interfaces.StreamBody, Text: "the answer"},
		{Kind: interfaces.StreamBody, Text: " is 42"},
		{Kind: interfaces.StreamDone},
	}

	clock := testutil.NewFakeClock(streamStart)
	emitted := make(chan string, 64)
	streamed, err := NewStreamer(clock).Run(context.Background(), testutil.NewScriptedStream(events...), StreamParams{
		Envelope: testEnvelope(),
		Timeout:  2 * time.Minute,
		Silence:  time.Minute,
	}, func(s string) { emitted <- s })
	require.NoError(t, err)

	var joined strings.Builder
	for _, payload := range drain(emitted) {
		joined.WriteString(gjson.Get(payload, "choices.0.delta.content").String())
	}

	collected, err := Collect(context.Background(), clock, testutil.NewScriptedStream(events...), 2*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, collected.Output, joined.String())
	assert.Equal(t, collected.Output, streamed.Output)
	assert.Equal(t, "step one, step two\n\nthe answer is 42", collected.Output)
}
