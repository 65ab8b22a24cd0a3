package streaming

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAITransformer handles OpenAI-dialect chunks, which are already
// close to the normalized schema: the transform fills in missing id and
// model fields and forwards every other key unchanged.
type OpenAITransformer struct {
	fallbackID    string
	fallbackModel string

	lastUsage    Usage
	sawUsage     bool
}

func NewOpenAITransformer(requestID, model string) *OpenAITransformer {
	return &OpenAITransformer{fallbackID: "chatcmpl-" + requestID, fallbackModel: model}
}

func (t *OpenAITransformer) TransformChunk(parsed []byte) (Outcome, error) {
	// Track usage as we go: OpenAI reports cumulative totals on the
	// final chunk when stream_options.include_usage is set.
	if u, ok := t.ExtractUsageFromChunk(parsed); ok {
		t.lastUsage = u
		t.sawUsage = true
	}

	out := parsed
	var err error
	if !gjson.GetBytes(parsed, "id").Exists() {
		if out, err = sjson.SetBytes(out, "id", t.fallbackID); err != nil {
			return Outcome{Kind: OutcomeIgnore}, nil
		}
	}
	if !gjson.GetBytes(parsed, "model").Exists() {
		if out, err = sjson.SetBytes(out, "model", t.fallbackModel); err != nil {
			return Outcome{Kind: OutcomeIgnore}, nil
		}
	}
	// Chunks with neither choices nor usage carry nothing for the
	// client (e.g. OpenAI's occasional empty keep-alive objects).
	if !gjson.GetBytes(parsed, "choices").Exists() && !gjson.GetBytes(parsed, "usage").Exists() {
		return Outcome{Kind: OutcomeIgnore}, nil
	}
	return Outcome{Kind: OutcomeTransformed, Bytes: out}, nil
}

func (t *OpenAITransformer) HandleErrorChunk(errObj []byte) *StreamError {
	msg := gjson.GetBytes(errObj, "message").String()
	code := gjson.GetBytes(errObj, "code").String()
	etype := gjson.GetBytes(errObj, "type").String()
	if msg == "" {
		msg = "provider returned an error"
	}

	kind := ErrorKindProvider
	switch {
	case etype == "invalid_request_error" && code == "context_length_exceeded":
		kind = ErrorKindTokenLimit
	case etype == "authentication_error" || code == "invalid_api_key":
		kind = ErrorKindAuth
	case etype == "rate_limit_error" || code == "rate_limit_exceeded":
		kind = ErrorKindRateLimit
	}
	return &StreamError{Kind: kind, Code: code, Message: msg}
}

func (t *OpenAITransformer) ExtractTextDelta(parsed []byte) string {
	return gjson.GetBytes(parsed, "choices.0.delta.content").String()
}

func (t *OpenAITransformer) ExtractUsageFromChunk(parsed []byte) (Usage, bool) {
	usage := gjson.GetBytes(parsed, "usage")
	if !usage.Exists() || usage.Type == gjson.Null {
		return Usage{}, false
	}
	return Usage{
		InputTokens:  usage.Get("prompt_tokens").Int(),
		OutputTokens: usage.Get("completion_tokens").Int(),
	}, true
}

func (t *OpenAITransformer) FinalUsage() (Usage, bool) {
	return t.lastUsage, t.sawUsage
}
