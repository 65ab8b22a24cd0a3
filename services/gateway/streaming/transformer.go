package streaming

import "fmt"

// Usage is a provider-reported token count pair. Values may be
// cumulative running totals or per-chunk increments depending on the
// provider; the pipeline's tracker normalizes both.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// OutcomeKind is the verdict of transforming one parsed chunk.
type OutcomeKind int

const (
	// OutcomeTransformed carries normalized bytes to forward.
	OutcomeTransformed OutcomeKind = iota
	// OutcomeIgnore drops the chunk (provider housekeeping events,
	// malformed payloads).
	OutcomeIgnore
	// OutcomeDone terminates the stream gracefully.
	OutcomeDone
)

// Outcome is the result of ChunkTransformer.TransformChunk.
type Outcome struct {
	Kind  OutcomeKind
	Bytes []byte
}

// ErrorKind classifies a StreamError for the client and retry policy.
type ErrorKind string

const (
	ErrorKindNetwork    ErrorKind = "network"
	ErrorKindParse      ErrorKind = "parse"
	ErrorKindProvider   ErrorKind = "provider"
	ErrorKindAuth       ErrorKind = "auth"
	ErrorKindRateLimit  ErrorKind = "rate_limit"
	ErrorKindTokenLimit ErrorKind = "token_limit"
)

// StreamError is a typed, client-safe stream failure: a short message
// plus an opaque code, never internals.
type StreamError struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error (%s/%s): %s", e.Kind, e.Code, e.Message)
}

// ChunkTransformer adapts one provider's chunk dialect to the
// normalized schema. The pipeline owns SSE framing
// and JSON validity; transformers receive the parsed JSON payload of
// one data line.
type ChunkTransformer interface {
	// TransformChunk converts a parsed provider chunk into normalized
	// bytes, or tells the pipeline to ignore it or finish.
	TransformChunk(parsed []byte) (Outcome, error)

	// HandleErrorChunk translates a provider error object into a typed
	// StreamError.
	HandleErrorChunk(errObj []byte) *StreamError

	// ExtractTextDelta returns the incremental assistant text of a
	// parsed chunk, or "" if it carries none.
	ExtractTextDelta(parsed []byte) string

	// ExtractUsageFromChunk returns the chunk's token usage if present.
	ExtractUsageFromChunk(parsed []byte) (Usage, bool)

	// FinalUsage returns the authoritative usage observed over the
	// whole stream, if the provider reported one.
	FinalUsage() (Usage, bool)
}
