package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/AlfredDev/alfred/services/gateway/billing"
	"github.com/AlfredDev/alfred/services/gateway/provider"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Event is one client-facing stream event.
type Event struct {
	Type string // "stream_started" | "chunk" | "usage_update" | "keepalive"
	Data []byte
}

// Sink receives normalized events for delivery to the client. A Send
// error means the client is gone; the pipeline stops forwarding but
// still finalizes billing.
type Sink interface {
	Send(evt Event) error
}

// Finalizer is the billing-engine slice the pipeline drives at stream
// end.
type Finalizer interface {
	FinalizeCharge(ctx context.Context, p billing.FinalizeParams) (billing.FinalizeResult, error)
	FailCharge(ctx context.Context, userID, requestID, reason string) error
}

// lineKind is the verdict of parsing one raw SSE line.
type lineKind int

const (
	lineData lineKind = iota
	lineIgnore
	lineDone
)

// parseAndValidateChunk applies the SSE parsing rules to one raw line.
// Pure: same bytes in, same verdict out. Malformed JSON yields Ignore —
// never forwarded as-is.
func parseAndValidateChunk(raw []byte) (lineKind, []byte, *StreamError) {
	if !utf8.Valid(raw) {
		return lineIgnore, nil, &StreamError{Kind: ErrorKindParse, Code: "invalid_utf8", Message: "stream chunk is not valid UTF-8"}
	}
	line := bytes.TrimRight(raw, "\r\n")
	if len(line) == 0 || line[0] == ':' {
		return lineIgnore, nil, nil
	}
	if !bytes.HasPrefix(line, []byte("data: ")) {
		// Non-data SSE fields (event:, id:) carry no payload for us.
		return lineIgnore, nil, nil
	}
	payload := line[len("data: "):]
	if bytes.Equal(payload, []byte("[DONE]")) {
		return lineDone, nil, nil
	}
	if !gjson.ValidBytes(payload) {
		return lineIgnore, nil, nil
	}
	return lineData, payload, nil
}

// usageTracker normalizes provider usage reports. Providers may emit
// cumulative totals or increments; any value >= the running total is
// treated as the new cumulative total, and a later smaller value is a
// provider bug clamped to a zero delta, never subtracted.
type usageTracker struct {
	totalIn  int64
	totalOut int64
}

func (t *usageTracker) observe(u Usage) bool {
	changed := false
	if u.InputTokens > t.totalIn {
		t.totalIn = u.InputTokens
		changed = true
	}
	if u.OutputTokens > t.totalOut {
		t.totalOut = u.OutputTokens
		changed = true
	}
	return changed
}

// PipelineConfig carries the usage-update emission thresholds.
type PipelineConfig struct {
	UsageTokenThreshold int           // estimated tokens between usage_update events
	UsageInterval       time.Duration // max time between usage_update events
	KeepAliveInterval   time.Duration // SSE comment cadence when idle
}

// Pipeline adapts one provider byte stream into normalized client
// events while extracting authoritative usage for billing. One Pipeline
// value serves one stream; construct per request.
type Pipeline struct {
	transformer ChunkTransformer
	billing     Finalizer
	costs       *FinalCostCache
	cfg         PipelineConfig
	log         zerolog.Logger

	finalizeOnce sync.Once
}

func NewPipeline(transformer ChunkTransformer, finalizer Finalizer, costs *FinalCostCache, cfg PipelineConfig, log zerolog.Logger) *Pipeline {
	if cfg.UsageTokenThreshold <= 0 {
		cfg.UsageTokenThreshold = 100
	}
	if cfg.UsageInterval <= 0 {
		cfg.UsageInterval = 500 * time.Millisecond
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 15 * time.Second
	}
	return &Pipeline{
		transformer: transformer,
		billing:     finalizer,
		costs:       costs,
		cfg:         cfg,
		log:         log.With().Str("component", "streaming.Pipeline").Logger(),
	}
}

// RunParams identifies the stream's billing context.
type RunParams struct {
	RequestID string
	UserID    string
	Model     string

	// EstimateCost converts running token counts into an estimated
	// running cost for usage_update events. Optional.
	EstimateCost func(inputTokens, outputTokens int64) float64
}

type startedEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
}

type usageUpdateEvent struct {
	Type             string  `json:"type"`
	RequestID        string  `json:"request_id"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
	Estimated        bool    `json:"estimated"`
}

// Run consumes src until EOF, error, or [DONE], forwarding normalized
// events to sink. Billing finalization is guaranteed exactly once on
// every exit path, including panics in the transform loop.
func (p *Pipeline) Run(ctx context.Context, src provider.Stream, sink Sink, params RunParams) (Usage, error) {
	tracker := &usageTracker{}
	var estOutputChars int64
	lastEmit := time.Now()
	lastEmitTokens := 0
	clientGone := false

	defer p.finalize(ctx, params, tracker)

	p.send(sink, Event{Type: "stream_started", Data: mustJSON(startedEvent{
		Type: "stream_started", RequestID: params.RequestID, Model: params.Model,
	})}, &clientGone)

	keepAlive := time.NewTicker(p.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	var streamErr error

loop:
	for {
		select {
		case <-ctx.Done():
			streamErr = &StreamError{Kind: ErrorKindNetwork, Code: "canceled", Message: "stream canceled"}
			break loop
		case <-keepAlive.C:
			p.send(sink, Event{Type: "keepalive", Data: []byte(": keep-alive")}, &clientGone)
		default:
		}

		raw, err := src.Next()
		if err != nil {
			if isEOF(err) {
				break loop
			}
			streamErr = &StreamError{Kind: ErrorKindNetwork, Code: "upstream_read", Message: "provider stream read failed"}
			p.log.Warn().Err(err).Str("request_id", params.RequestID).Msg("provider stream read error")
			break loop
		}

		for _, line := range bytes.Split(raw, []byte("\n")) {
			kind, payload, perr := parseAndValidateChunk(line)
			if perr != nil {
				streamErr = perr
				break loop
			}
			switch kind {
			case lineDone:
				break loop
			case lineIgnore:
				continue
			}

			if errObj := gjson.GetBytes(payload, "error"); errObj.Exists() && errObj.IsObject() {
				streamErr = p.transformer.HandleErrorChunk([]byte(errObj.Raw))
				break loop
			}

			outcome, terr := p.transformer.TransformChunk(payload)
			if terr != nil {
				p.log.Warn().Err(terr).Str("request_id", params.RequestID).Msg("chunk transform failed; ignoring chunk")
				continue
			}
			switch outcome.Kind {
			case OutcomeDone:
				break loop
			case OutcomeIgnore:
				continue
			}

			p.send(sink, Event{Type: "chunk", Data: outcome.Bytes}, &clientGone)

			reported := false
			if u, ok := p.transformer.ExtractUsageFromChunk(payload); ok {
				if tracker.observe(u) {
					reported = true
				}
			}
			if delta := p.transformer.ExtractTextDelta(payload); delta != "" {
				estOutputChars += int64(len(delta))
			}

			// Emit immediately on provider-reported usage; otherwise on
			// the estimate thresholds (>=100 tokens or >=500ms).
			estTokens := int(estOutputChars / 4)
			switch {
			case reported:
				p.emitUsage(sink, params, tracker, estTokens, false, &clientGone)
				lastEmit = time.Now()
				lastEmitTokens = estTokens
			case estTokens-lastEmitTokens >= p.cfg.UsageTokenThreshold,
				estTokens > lastEmitTokens && time.Since(lastEmit) >= p.cfg.UsageInterval:
				p.emitUsage(sink, params, tracker, estTokens, true, &clientGone)
				lastEmit = time.Now()
				lastEmitTokens = estTokens
			}
		}
	}

	if streamErr != nil {
		return Usage{InputTokens: tracker.totalIn, OutputTokens: tracker.totalOut}, streamErr
	}
	return Usage{InputTokens: tracker.totalIn, OutputTokens: tracker.totalOut}, nil
}

// emitUsage sends a usage_update with running totals. When the provider
// has not reported output tokens yet, the text-delta estimate stands in.
func (p *Pipeline) emitUsage(sink Sink, params RunParams, tracker *usageTracker, estOutputTokens int, estimated bool, clientGone *bool) {
	out := tracker.totalOut
	if out == 0 && estimated {
		out = int64(estOutputTokens)
	}
	evt := usageUpdateEvent{
		Type:         "usage_update",
		RequestID:    params.RequestID,
		InputTokens:  tracker.totalIn,
		OutputTokens: out,
		Estimated:    estimated,
	}
	if params.EstimateCost != nil {
		evt.EstimatedCost = params.EstimateCost(evt.InputTokens, evt.OutputTokens)
	}
	p.send(sink, Event{Type: "usage_update", Data: mustJSON(evt)}, clientGone)
}

// send forwards an event unless the client has already dropped. A Send
// failure flips clientGone; the stream keeps draining so usage and
// finalization stay accurate.
func (p *Pipeline) send(sink Sink, evt Event, clientGone *bool) {
	if *clientGone || sink == nil {
		return
	}
	if err := sink.Send(evt); err != nil {
		*clientGone = true
		p.log.Debug().Err(err).Msg("client sink closed mid-stream")
	}
}

// finalize drives the billing engine exactly once per stream, on both
// graceful and abnormal exits. No final usage from the
// provider means a zero-usage fail.
func (p *Pipeline) finalize(ctx context.Context, params RunParams, tracker *usageTracker) {
	p.finalizeOnce.Do(func() {
		// The request context may already be canceled (client drop);
		// billing still has to settle.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		final, ok := p.transformer.FinalUsage()
		if !ok {
			if tracker.totalIn > 0 || tracker.totalOut > 0 {
				final = Usage{InputTokens: tracker.totalIn, OutputTokens: tracker.totalOut}
				ok = true
			}
		}

		if !ok {
			p.log.Warn().Str("request_id", params.RequestID).Msg("stream ended without final usage; failing charge")
			if err := p.billing.FailCharge(fctx, params.UserID, params.RequestID, "stream ended without usage"); err != nil {
				p.log.Error().Err(err).Str("request_id", params.RequestID).Msg("fail charge after usage-less stream")
			}
			p.costs.Put(FinalCostSnapshot{
				RequestID: params.RequestID,
				Err:       "stream ended without usage",
			})
			return
		}

		res, err := p.billing.FinalizeCharge(fctx, billing.FinalizeParams{
			RequestID:    params.RequestID,
			UserID:       params.UserID,
			TokensInput:  final.InputTokens,
			TokensOutput: final.OutputTokens,
			Metadata:     map[string]interface{}{"model": params.Model},
		})
		if err != nil {
			// Never propagated to the (already-finished) client stream;
			// the snapshot records it for later retrieval.
			p.log.Error().Err(err).Str("request_id", params.RequestID).Msg("finalize charge failed")
			p.costs.Put(FinalCostSnapshot{
				RequestID:    params.RequestID,
				InputTokens:  final.InputTokens,
				OutputTokens: final.OutputTokens,
				Err:          err.Error(),
			})
			return
		}
		p.costs.Put(FinalCostSnapshot{
			RequestID:    params.RequestID,
			FinalCost:    res.FinalCost,
			InputTokens:  final.InputTokens,
			OutputTokens: final.OutputTokens,
		})
	})
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
