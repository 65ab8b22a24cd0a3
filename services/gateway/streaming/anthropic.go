package streaming

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// AnthropicTransformer converts Anthropic's event-typed chunk dialect
// (message_start / content_block_delta / message_delta / message_stop)
// into the normalized chunk schema.
type AnthropicTransformer struct {
	chunkID string
	model   string

	inputTokens  int64
	outputTokens int64
	sawUsage     bool
}

func NewAnthropicTransformer(requestID, model string) *AnthropicTransformer {
	return &AnthropicTransformer{chunkID: "chatcmpl-" + requestID, model: model}
}

func (t *AnthropicTransformer) TransformChunk(parsed []byte) (Outcome, error) {
	eventType := gjson.GetBytes(parsed, "type").String()

	switch eventType {
	case "message_start":
		if id := gjson.GetBytes(parsed, "message.id").String(); id != "" {
			t.chunkID = id
		}
		if m := gjson.GetBytes(parsed, "message.model").String(); m != "" {
			t.model = m
		}
		if in := gjson.GetBytes(parsed, "message.usage.input_tokens"); in.Exists() {
			t.inputTokens = in.Int()
			t.sawUsage = true
		}
		return t.normalized("assistant", "", "", false)

	case "content_block_delta":
		text := gjson.GetBytes(parsed, "delta.text").String()
		if text == "" {
			return Outcome{Kind: OutcomeIgnore}, nil
		}
		return t.normalized("", text, "", false)

	case "message_delta":
		// output_tokens here is a cumulative running total.
		if out := gjson.GetBytes(parsed, "usage.output_tokens"); out.Exists() {
			if v := out.Int(); v > t.outputTokens {
				t.outputTokens = v
			}
			t.sawUsage = true
		}
		finish := mapStopReason(gjson.GetBytes(parsed, "delta.stop_reason").String())
		if finish == "" {
			return Outcome{Kind: OutcomeIgnore}, nil
		}
		return t.normalized("", "", finish, true)

	case "message_stop":
		return Outcome{Kind: OutcomeDone}, nil

	case "ping", "content_block_start", "content_block_stop":
		return Outcome{Kind: OutcomeIgnore}, nil

	default:
		return Outcome{Kind: OutcomeIgnore}, nil
	}
}

// normalized assembles one normalized chunk via sjson so the field
// order stays stable without a full struct round trip.
func (t *AnthropicTransformer) normalized(role, content, finishReason string, withUsage bool) (Outcome, error) {
	out := []byte(`{}`)
	var err error
	set := func(path string, value interface{}) {
		if err != nil {
			return
		}
		out, err = sjson.SetBytes(out, path, value)
	}

	set("id", t.chunkID)
	set("model", t.model)
	set("choices.0.index", 0)
	if role != "" {
		set("choices.0.delta.role", role)
	}
	if content != "" {
		set("choices.0.delta.content", content)
	}
	if finishReason != "" {
		set("choices.0.finish_reason", finishReason)
	}
	if withUsage {
		set("usage.prompt_tokens", t.inputTokens)
		set("usage.completion_tokens", t.outputTokens)
	}
	if err != nil {
		return Outcome{Kind: OutcomeIgnore}, nil
	}
	return Outcome{Kind: OutcomeTransformed, Bytes: out}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return ""
	}
}

func (t *AnthropicTransformer) HandleErrorChunk(errObj []byte) *StreamError {
	msg := gjson.GetBytes(errObj, "message").String()
	etype := gjson.GetBytes(errObj, "type").String()
	if msg == "" {
		msg = "provider returned an error"
	}

	kind := ErrorKindProvider
	switch etype {
	case "authentication_error", "permission_error":
		kind = ErrorKindAuth
	case "rate_limit_error", "overloaded_error":
		kind = ErrorKindRateLimit
	}
	// "prompt is too long" arrives as invalid_request_error; the token
	// limit kind matters for retry policy, so sniff the message.
	if etype == "invalid_request_error" {
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "too long") || strings.Contains(lower, "token") {
			kind = ErrorKindTokenLimit
		}
	}
	return &StreamError{Kind: kind, Code: etype, Message: msg}
}

func (t *AnthropicTransformer) ExtractTextDelta(parsed []byte) string {
	if gjson.GetBytes(parsed, "type").String() != "content_block_delta" {
		return ""
	}
	return gjson.GetBytes(parsed, "delta.text").String()
}

func (t *AnthropicTransformer) ExtractUsageFromChunk(parsed []byte) (Usage, bool) {
	switch gjson.GetBytes(parsed, "type").String() {
	case "message_start":
		if in := gjson.GetBytes(parsed, "message.usage.input_tokens"); in.Exists() {
			return Usage{InputTokens: in.Int()}, true
		}
	case "message_delta":
		if out := gjson.GetBytes(parsed, "usage.output_tokens"); out.Exists() {
			return Usage{InputTokens: t.inputTokens, OutputTokens: out.Int()}, true
		}
	}
	return Usage{}, false
}

func (t *AnthropicTransformer) FinalUsage() (Usage, bool) {
	if !t.sawUsage {
		return Usage{}, false
	}
	return Usage{InputTokens: t.inputTokens, OutputTokens: t.outputTokens}, true
}
