// Package normalize converts a provider-native ProxyResponse into the
// client-facing dialect the inbound request declared, per the mandatory
// transforms named in the response normalizer design.
package normalize

import (
	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/partition"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// ChatCompletion is the OpenAI-shape response every client dialect in this
// proxy ultimately receives: every provider route is OpenAI-compatible on
// the client side (see SPEC_FULL.md §4.10), so "client dialect" and
// "OpenAI chat completion" are the same thing today. The from-dialect
// switch below still exists as the seam a future non-OpenAI client surface
// would hang off.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	// ProxyNote and TokenizerDebug are optional augmentations; omitted when
	// empty/nil so they never appear in a response unless actually enabled.
	ProxyNote      string          `json:"proxy_note,omitempty"`
	TokenizerDebug *TokenizerDebug `json:"tokenizer_debug,omitempty"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason *string `json:"finish_reason"`
}

// Message is the assistant's reply.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token-accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TokenizerDebug surfaces the estimator's counts verbatim for debug-flagged
// tickets, independent of whatever usage block the upstream itself reported.
type TokenizerDebug struct {
	PromptTokens int `json:"prompt_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Options carries the per-ticket augmentation inputs that aren't already on
// the ProxyResponse: the inbound dialect and the tokenizer estimates
// attached by the external estimator (see design notes — not part of this
// package).
type Options struct {
	InboundDialect  partition.Dialect
	UpstreamDialect partition.Dialect
	PromptTokens    int
	OutputTokens    int
	Debug           bool
	ProxyNote       string
}

// plmIDPrefix marks synthesized PaLM response ids, per the literal
// end-to-end scenario requiring client JSON ids to start with "plm-".
const plmIDPrefix = "plm-"

// Response builds the client-facing ChatCompletion from a buffered
// ProxyResponse. Same-dialect responses (inbound == upstream) pass through
// with only the optional augmentations applied.
func Response(resp *providers.ProxyResponse, opt Options) ChatCompletion {
	var out ChatCompletion

	switch opt.UpstreamDialect {
	case partition.DialectAnthropic:
		out = fromAnthropic(resp)
	case partition.DialectPaLM:
		out = fromPaLM(resp, opt)
	default:
		out = fromOpenAI(resp)
	}

	if opt.ProxyNote != "" {
		out.ProxyNote = opt.ProxyNote
	}
	if opt.Debug {
		out.TokenizerDebug = &TokenizerDebug{
			PromptTokens: opt.PromptTokens,
			OutputTokens: opt.OutputTokens,
		}
	}
	return out
}

// fromOpenAI is the identity transform: the upstream already returned
// OpenAI-shape content, so only the wrapper fields need filling in from the
// buffered ProxyResponse the adapters already parsed into a flat struct.
func fromOpenAI(resp *providers.ProxyResponse) ChatCompletion {
	stop := "stop"
	return ChatCompletion{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: resp.Content},
			FinishReason: &stop,
		}},
		Usage: &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// fromAnthropic wraps the adapter's already-flattened completion text into
// choices[0].message.content with role "assistant" — the only shape change
// this transform names, since the anthropic adapter normalizes Anthropic's
// content blocks into a single string before this package ever sees it. The
// resulting wrapper is identical to the OpenAI passthrough shape.
func fromAnthropic(resp *providers.ProxyResponse) ChatCompletion {
	return fromOpenAI(resp)
}

// fromPaLM takes candidates[0].output as the message content, synthesizes a
// "plm-"-prefixed id (the PaLM generateText API returns none), fills usage
// from the tokenizer estimates attached to the ticket rather than from the
// upstream response (which carries no usage block at all), and sets
// finish_reason to null — the legacy API reports no equivalent signal.
func fromPaLM(resp *providers.ProxyResponse, opt Options) ChatCompletion {
	return ChatCompletion{
		ID:     plmIDPrefix + uuid.NewString(),
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: resp.Content},
			FinishReason: nil,
		}},
		Usage: &Usage{
			PromptTokens:     opt.PromptTokens,
			CompletionTokens: opt.OutputTokens,
			TotalTokens:      opt.PromptTokens + opt.OutputTokens,
		},
	}
}

// StreamChunk is the client-facing shape of one OpenAI chat.completion.chunk
// SSE event, emitted by the executor's on-the-fly streaming translation.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice is a single delta within a StreamChunk.
type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta carries the incremental content for one stream event.
type Delta struct {
	Content string `json:"content,omitempty"`
}

// Chunk builds one client-facing stream chunk from an upstream StreamChunk.
// id and model are threaded through from the first chunk of the stream so
// every event in a given response shares the same identifiers, matching the
// OpenAI streaming contract.
func Chunk(id, model string, upstream providers.StreamChunk) StreamChunk {
	var finish *string
	if upstream.FinishReason != "" {
		f := mapFinishReason(upstream.FinishReason)
		finish = &f
	}
	return StreamChunk{
		ID:     id,
		Object: "chat.completion.chunk",
		Model:  model,
		Choices: []StreamChoice{{
			Index:        0,
			Delta:        Delta{Content: upstream.Content},
			FinishReason: finish,
		}},
	}
}

// mapFinishReason collapses provider-specific finish reasons (Anthropic's
// "end_turn"/"stop_sequence", Bedrock's Converse equivalents) onto the
// OpenAI vocabulary the client expects.
func mapFinishReason(upstream string) string {
	switch upstream {
	case "end_turn", "stop_sequence", "stop":
		return "stop"
	case "max_tokens", "length":
		return "length"
	case "error":
		return "stop"
	default:
		return "stop"
	}
}
