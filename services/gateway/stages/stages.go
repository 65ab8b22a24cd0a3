// Package stages holds the illustrative stage processors the Job
// Dispatcher runs for workflow stage jobs: an LLM-call stage that
// drives the full stream-and-bill path, and a static stage for steps
// with precomputed output.
package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/AlfredDev/alfred/services/gateway/billing"
	"github.com/AlfredDev/alfred/services/gateway/jobs"
	"github.com/AlfredDev/alfred/services/gateway/provider"
	"github.com/AlfredDev/alfred/services/gateway/streaming"
)

// StreamStatusMarker flags a job as consuming a provider stream.
// Implemented by jobs.Dispatcher.
type StreamStatusMarker interface {
	MarkProcessingStream(ctx context.Context, jobID string) error
}

// LLMProcessor runs one LLM-backed stage: initiate the two-phase
// charge, stream the provider response through the usage pipeline, and
// hand back the collected output as stage data. Finalization happens
// inside the pipeline on every exit path.
type LLMProcessor struct {
	registry *provider.Registry
	engine   *billing.Engine
	pricing  *provider.PricingConfig
	costs    *streaming.FinalCostCache
	marker   StreamStatusMarker
	cfg      streaming.PipelineConfig
	log      zerolog.Logger
}

func NewLLMProcessor(
	registry *provider.Registry,
	engine *billing.Engine,
	pricing *provider.PricingConfig,
	costs *streaming.FinalCostCache,
	marker StreamStatusMarker,
	cfg streaming.PipelineConfig,
	log zerolog.Logger,
) *LLMProcessor {
	return &LLMProcessor{
		registry: registry,
		engine:   engine,
		pricing:  pricing,
		costs:    costs,
		marker:   marker,
		cfg:      cfg,
		log:      log.With().Str("component", "stages.LLMProcessor").Logger(),
	}
}

func payloadString(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func (p *LLMProcessor) Process(ctx context.Context, job jobs.Job) (jobs.Result, error) {
	providerName := payloadString(job.Payload, "provider")
	model := payloadString(job.Payload, "model")
	prompt := payloadString(job.Payload, "prompt")
	userID := payloadString(job.Payload, "user_id")
	if userID == "" {
		userID = job.SessionID
	}
	if model == "" || prompt == "" {
		return jobs.Result{}, jobs.NewJobError(jobs.KindValidation, errors.New("stage payload requires model and prompt"))
	}

	prov, ok := p.registry.Get(providerName)
	if !ok {
		resolved, err := p.registry.GetForModel(model)
		if err != nil {
			return jobs.Result{}, jobs.NewJobError(jobs.KindValidation, fmt.Errorf("no provider for model %s", model))
		}
		prov = resolved
		providerName = prov.Name()
	}
	serviceName := providerName + "/" + model

	counter := provider.NewTokenCounter(providerName)
	estimatedInput := int64(counter.CountText(prompt))
	maxTokens := 1024
	if v, ok := job.Payload["max_tokens"].(float64); ok && v > 0 {
		maxTokens = int(v)
	}

	taskType := job.TaskType
	if hint := payloadString(job.Payload, "task_type_hint"); hint != "" {
		taskType = hint
	}
	if _, err := p.engine.InitiateCharge(ctx, billing.InitiateParams{
		RequestID:    job.ID,
		UserID:       userID,
		ServiceName:  serviceName,
		TokensInput:  estimatedInput,
		TokensOutput: int64(maxTokens),
		TaskType:     taskType,
	}); err != nil {
		return jobs.Result{}, classifyBillingError(err)
	}

	req := &provider.ChatRequest{
		Model:     model,
		Messages:  []provider.ChatMessage{{Role: "user", Content: prompt}},
		MaxTokens: &maxTokens,
		Stream:    true,
	}
	stream, err := prov.ChatCompletionStream(ctx, req)
	if err != nil {
		// Initiated but never streamed: settle the pending row now so
		// the user is not left waiting on reconciliation.
		if ferr := p.engine.FailCharge(context.WithoutCancel(ctx), userID, job.ID, "provider stream open failed"); ferr != nil {
			p.log.Error().Err(ferr).Str("request_id", job.ID).Msg("fail charge after stream open failure")
		}
		return jobs.Result{}, jobs.NewJobError(jobs.KindUpstream, err)
	}
	defer stream.Close() //nolint:errcheck

	if p.marker != nil {
		if err := p.marker.MarkProcessingStream(ctx, job.ID); err != nil {
			p.log.Warn().Err(err).Str("job_id", job.ID).Msg("mark processing_stream")
		}
	}

	transformer := transformerFor(providerName, job.ID, model)
	pipeline := streaming.NewPipeline(transformer, p.engine, p.costs, p.cfg, p.log)
	collector := &collectorSink{}

	usage, runErr := pipeline.Run(ctx, stream, collector, streaming.RunParams{
		RequestID: job.ID,
		UserID:    userID,
		Model:     model,
		EstimateCost: func(in, out int64) float64 {
			return p.pricing.CalculateCost(providerName, model, int(in), int(out))
		},
	})
	if runErr != nil {
		return jobs.Result{}, classifyStreamError(runErr)
	}

	return jobs.Result{
		Response: map[string]interface{}{
			"output": collector.Text(),
			"model":  model,
		},
		TokensInput:  usage.InputTokens,
		TokensOutput: usage.OutputTokens,
		StageData: map[string]interface{}{
			"output":        collector.Text(),
			"tokens_input":  usage.InputTokens,
			"tokens_output": usage.OutputTokens,
		},
	}, nil
}

func transformerFor(providerName, requestID, model string) streaming.ChunkTransformer {
	if providerName == "anthropic" || providerName == "bedrock" {
		return streaming.NewAnthropicTransformer(requestID, model)
	}
	return streaming.NewOpenAITransformer(requestID, model)
}

func classifyBillingError(err error) error {
	switch {
	case errors.Is(err, billing.ErrCreditInsufficient),
		errors.Is(err, billing.ErrPaymentMethodRequired),
		errors.Is(err, billing.ErrBillingAddressRequired):
		return jobs.NewJobError(jobs.KindCredit, err)
	case errors.Is(err, billing.ErrUnknownModel):
		return jobs.NewJobError(jobs.KindValidation, err)
	default:
		return jobs.NewJobError(jobs.KindInternal, err)
	}
}

func classifyStreamError(err error) error {
	var se *streaming.StreamError
	if !errors.As(err, &se) {
		return jobs.NewJobError(jobs.KindUpstream, err)
	}
	switch se.Kind {
	case streaming.ErrorKindNetwork:
		return jobs.NewJobError(jobs.KindTransport, err)
	case streaming.ErrorKindAuth:
		return jobs.NewJobError(jobs.KindAuth, err)
	case streaming.ErrorKindRateLimit:
		return jobs.NewJobError(jobs.KindTransport, err)
	case streaming.ErrorKindTokenLimit:
		return jobs.NewJobError(jobs.KindTokenLimit, err)
	case streaming.ErrorKindParse:
		return jobs.NewJobError(jobs.KindInternal, err)
	default:
		return jobs.NewJobError(jobs.KindUpstream, err)
	}
}

// collectorSink accumulates the assistant text of normalized chunks.
// Stage jobs have no live client; the collected output becomes the
// stage's IntermediateData.
type collectorSink struct {
	sb strings.Builder
}

func (c *collectorSink) Send(evt streaming.Event) error {
	if evt.Type != "chunk" {
		return nil
	}
	if content := gjson.GetBytes(evt.Data, "choices.0.delta.content"); content.Exists() {
		c.sb.WriteString(content.String())
	}
	return nil
}

func (c *collectorSink) Text() string { return c.sb.String() }

// StaticProcessor completes immediately with the payload's "result"
// value as stage data. Used for stages whose work happens out of
// process, and as the seam tests hang fake stages on.
type StaticProcessor struct{}

func NewStaticProcessor() *StaticProcessor { return &StaticProcessor{} }

func (p *StaticProcessor) Process(_ context.Context, job jobs.Job) (jobs.Result, error) {
	result, ok := job.Payload["result"]
	if !ok {
		result = map[string]interface{}{}
	}
	return jobs.Result{StageData: result}, nil
}
