package streaming

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/AlfredDev/alfred/services/gateway/billing"
)

// scriptedStream replays canned SSE frames, then EOF (or a terminal
// error).
type scriptedStream struct {
	frames [][]byte
	idx    int
	err    error
}

func (s *scriptedStream) Next() ([]byte, error) {
	if s.idx >= len(s.frames) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	f := s.frames[s.idx]
	s.idx++
	return f, nil
}

func (s *scriptedStream) Close() error { return nil }

// memorySink records every event.
type memorySink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (m *memorySink) Send(evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("client gone")
	}
	m.events = append(m.events, evt)
	return nil
}

func (m *memorySink) byType(eventType string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// recordingFinalizer counts finalize/fail invocations.
type recordingFinalizer struct {
	mu        sync.Mutex
	finalizes []billing.FinalizeParams
	fails     []string
}

func (f *recordingFinalizer) FinalizeCharge(_ context.Context, p billing.FinalizeParams) (billing.FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizes = append(f.finalizes, p)
	return billing.FinalizeResult{RequestID: p.RequestID, FinalCost: 0.2}, nil
}

func (f *recordingFinalizer) FailCharge(_ context.Context, _, requestID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = append(f.fails, requestID)
	return nil
}

func newTestPipeline(transformer ChunkTransformer) (*Pipeline, *recordingFinalizer, *FinalCostCache) {
	fin := &recordingFinalizer{}
	costs := NewFinalCostCache(time.Minute)
	p := NewPipeline(transformer, fin, costs, PipelineConfig{}, zerolog.Nop())
	return p, fin, costs
}

func sse(lines ...string) [][]byte {
	frames := make([][]byte, len(lines))
	for i, l := range lines {
		frames[i] = []byte(l + "\n")
	}
	return frames
}

func TestParseAndValidateChunkIsPure(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want lineKind
	}{
		{"comment line", ": keep-alive", lineIgnore},
		{"blank line", "", lineIgnore},
		{"done sentinel", "data: [DONE]", lineDone},
		{"valid json", `data: {"id":"c1"}`, lineData},
		{"malformed json ignored", `data: {"id":`, lineIgnore},
		{"non-data field", "event: message", lineIgnore},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k1, p1, e1 := parseAndValidateChunk([]byte(tc.in))
			k2, p2, e2 := parseAndValidateChunk([]byte(tc.in))
			require.Equal(t, tc.want, k1)
			require.Equal(t, k1, k2)
			require.Equal(t, p1, p2)
			require.Equal(t, e1, e2)
		})
	}

	_, _, perr := parseAndValidateChunk([]byte{0xff, 0xfe, 'd'})
	require.NotNil(t, perr)
	require.Equal(t, ErrorKindParse, perr.Kind)
}

func TestPipelineIgnoresMalformedChunksAndFinalizesOnce(t *testing.T) {
	transformer := NewOpenAITransformer("req-1", "gpt-4o")
	p, fin, costs := newTestPipeline(transformer)
	sink := &memorySink{}

	stream := &scriptedStream{frames: sse(
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"hel`,             // broken JSON
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"hello"}}]}`,      // valid
		`data: {"id":"c1","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3}}`, // final usage
		`data: [DONE]`,
	)}

	usage, err := p.Run(context.Background(), stream, sink, RunParams{RequestID: "req-1", UserID: "u1", Model: "gpt-4o"})
	require.NoError(t, err)
	require.EqualValues(t, 7, usage.InputTokens)
	require.EqualValues(t, 3, usage.OutputTokens)

	// The malformed chunk was never forwarded.
	chunks := sink.byType("chunk")
	require.Len(t, chunks, 2)
	require.Equal(t, "hello", gjson.GetBytes(chunks[0].Data, "choices.0.delta.content").String())

	require.Len(t, fin.finalizes, 1)
	require.Empty(t, fin.fails)
	require.EqualValues(t, 7, fin.finalizes[0].TokensInput)

	snap, ok := costs.Get("req-1")
	require.True(t, ok)
	require.InDelta(t, 0.2, snap.FinalCost, 1e-9)
}

func TestPipelineEmitsStreamStartedFirst(t *testing.T) {
	p, _, _ := newTestPipeline(NewOpenAITransformer("req-2", "gpt-4o"))
	sink := &memorySink{}

	stream := &scriptedStream{frames: sse(`data: [DONE]`)}
	_, err := p.Run(context.Background(), stream, sink, RunParams{RequestID: "req-2", UserID: "u1", Model: "gpt-4o"})
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.events)
	require.Equal(t, "stream_started", sink.events[0].Type)
	require.Equal(t, "req-2", gjson.GetBytes(sink.events[0].Data, "request_id").String())
}

func TestPipelineFailsChargeWhenNoUsageObserved(t *testing.T) {
	p, fin, costs := newTestPipeline(NewOpenAITransformer("req-3", "gpt-4o"))
	sink := &memorySink{}

	stream := &scriptedStream{frames: sse(
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
		`data: [DONE]`,
	)}
	_, err := p.Run(context.Background(), stream, sink, RunParams{RequestID: "req-3", UserID: "u1", Model: "gpt-4o"})
	require.NoError(t, err)

	require.Empty(t, fin.finalizes)
	require.Equal(t, []string{"req-3"}, fin.fails)

	snap, ok := costs.Get("req-3")
	require.True(t, ok)
	require.NotEmpty(t, snap.Err)
}

func TestPipelineFinalizesOnAbruptStreamError(t *testing.T) {
	p, fin, _ := newTestPipeline(NewOpenAITransformer("req-4", "gpt-4o"))
	sink := &memorySink{}

	stream := &scriptedStream{
		frames: sse(`data: {"id":"c1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`),
		err:    errors.New("connection reset by peer"),
	}
	_, err := p.Run(context.Background(), stream, sink, RunParams{RequestID: "req-4", UserID: "u1", Model: "gpt-4o"})

	var se *StreamError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrorKindNetwork, se.Kind)

	// Usage was observed before the drop, so the charge settles on it.
	require.Len(t, fin.finalizes, 1)
	require.EqualValues(t, 5, fin.finalizes[0].TokensInput)
}

func TestPipelineTerminatesOnProviderErrorObject(t *testing.T) {
	p, fin, _ := newTestPipeline(NewOpenAITransformer("req-5", "gpt-4o"))
	sink := &memorySink{}

	stream := &scriptedStream{frames: sse(
		`data: {"error":{"message":"rate limited","type":"rate_limit_error","code":"rate_limit_exceeded"}}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"never"}}]}`,
	)}
	_, err := p.Run(context.Background(), stream, sink, RunParams{RequestID: "req-5", UserID: "u1", Model: "gpt-4o"})

	var se *StreamError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrorKindRateLimit, se.Kind)

	// Nothing after the error chunk was forwarded, and billing settled
	// via the zero-usage fail path.
	require.Empty(t, sink.byType("chunk"))
	require.Equal(t, []string{"req-5"}, fin.fails)
}

func TestPipelineClientDropStillFinalizes(t *testing.T) {
	p, fin, _ := newTestPipeline(NewOpenAITransformer("req-6", "gpt-4o"))
	sink := &memorySink{fail: true}

	stream := &scriptedStream{frames: sse(
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
		`data: {"id":"c1","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":1}}`,
		`data: [DONE]`,
	)}
	_, err := p.Run(context.Background(), stream, sink, RunParams{RequestID: "req-6", UserID: "u1", Model: "gpt-4o"})
	require.NoError(t, err)
	require.Len(t, fin.finalizes, 1)
}

func TestUsageTrackerMonotonicClamp(t *testing.T) {
	tr := &usageTracker{}

	require.True(t, tr.observe(Usage{InputTokens: 10}))
	require.True(t, tr.observe(Usage{InputTokens: 10, OutputTokens: 5}))
	require.True(t, tr.observe(Usage{InputTokens: 10, OutputTokens: 12}))

	// A smaller late value is a provider bug: clamped, never subtracted.
	require.False(t, tr.observe(Usage{InputTokens: 10, OutputTokens: 3}))
	require.EqualValues(t, 10, tr.totalIn)
	require.EqualValues(t, 12, tr.totalOut)
}

func TestPipelineEmitsUsageUpdatesOnThreshold(t *testing.T) {
	transformer := NewOpenAITransformer("req-7", "gpt-4o")
	fin := &recordingFinalizer{}
	costs := NewFinalCostCache(time.Minute)
	p := NewPipeline(transformer, fin, costs, PipelineConfig{UsageTokenThreshold: 2}, zerolog.Nop())
	sink := &memorySink{}

	long := `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"0123456789abcdef"}}]}`
	stream := &scriptedStream{frames: sse(long, long, `data: [DONE]`)}

	_, err := p.Run(context.Background(), stream, sink, RunParams{
		RequestID: "req-7", UserID: "u1", Model: "gpt-4o",
		EstimateCost: func(in, out int64) float64 { return float64(out) * 0.001 },
	})
	require.NoError(t, err)

	updates := sink.byType("usage_update")
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	require.True(t, gjson.GetBytes(last.Data, "estimated").Bool())
	require.Greater(t, gjson.GetBytes(last.Data, "estimated_cost").Float(), 0.0)

	// Running totals are monotonic across updates.
	var prev int64
	for _, u := range updates {
		v := gjson.GetBytes(u.Data, "output_tokens").Int()
		require.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestOpenAITransformerFillsMissingIDAndModel(t *testing.T) {
	tr := NewOpenAITransformer("req-8", "gpt-4o")

	out, err := tr.TransformChunk([]byte(`{"choices":[{"index":0,"delta":{"content":"x"}}]}`))
	require.NoError(t, err)
	require.Equal(t, OutcomeTransformed, out.Kind)
	require.Equal(t, "chatcmpl-req-8", gjson.GetBytes(out.Bytes, "id").String())
	require.Equal(t, "gpt-4o", gjson.GetBytes(out.Bytes, "model").String())

	require.Equal(t, "x", tr.ExtractTextDelta([]byte(`{"choices":[{"index":0,"delta":{"content":"x"}}]}`)))

	empty, err := tr.TransformChunk([]byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnore, empty.Kind)
}

func TestAnthropicTransformerFullFlow(t *testing.T) {
	tr := NewAnthropicTransformer("req-9", "claude-3-5-sonnet-20241022")

	start, err := tr.TransformChunk([]byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":12}}}`))
	require.NoError(t, err)
	require.Equal(t, OutcomeTransformed, start.Kind)
	require.Equal(t, "assistant", gjson.GetBytes(start.Bytes, "choices.0.delta.role").String())
	require.Equal(t, "msg_1", gjson.GetBytes(start.Bytes, "id").String())

	delta, err := tr.TransformChunk([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`))
	require.NoError(t, err)
	require.Equal(t, OutcomeTransformed, delta.Kind)
	require.Equal(t, "hello", gjson.GetBytes(delta.Bytes, "choices.0.delta.content").String())

	ping, err := tr.TransformChunk([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnore, ping.Kind)

	final, err := tr.TransformChunk([]byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":25}}`))
	require.NoError(t, err)
	require.Equal(t, OutcomeTransformed, final.Kind)
	require.Equal(t, "stop", gjson.GetBytes(final.Bytes, "choices.0.finish_reason").String())
	require.EqualValues(t, 12, gjson.GetBytes(final.Bytes, "usage.prompt_tokens").Int())
	require.EqualValues(t, 25, gjson.GetBytes(final.Bytes, "usage.completion_tokens").Int())

	stop, err := tr.TransformChunk([]byte(`{"type":"message_stop"}`))
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, stop.Kind)

	usage, ok := tr.FinalUsage()
	require.True(t, ok)
	require.EqualValues(t, 12, usage.InputTokens)
	require.EqualValues(t, 25, usage.OutputTokens)
}

func TestAnthropicErrorChunkMapping(t *testing.T) {
	tr := NewAnthropicTransformer("req-10", "claude-3-5-haiku-20241022")

	se := tr.HandleErrorChunk([]byte(`{"type":"overloaded_error","message":"overloaded"}`))
	require.Equal(t, ErrorKindRateLimit, se.Kind)

	se = tr.HandleErrorChunk([]byte(`{"type":"invalid_request_error","message":"prompt is too long: 250000 tokens"}`))
	require.Equal(t, ErrorKindTokenLimit, se.Kind)

	se = tr.HandleErrorChunk([]byte(`{"type":"authentication_error","message":"invalid x-api-key"}`))
	require.Equal(t, ErrorKindAuth, se.Kind)
}

func TestFinalCostCacheExpiry(t *testing.T) {
	c := NewFinalCostCache(20 * time.Millisecond)
	c.Put(FinalCostSnapshot{RequestID: "r1", FinalCost: 0.5})

	snap, ok := c.Get("r1")
	require.True(t, ok)
	require.InDelta(t, 0.5, snap.FinalCost, 1e-9)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("r1")
	require.False(t, ok)
}
