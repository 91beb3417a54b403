// Package partition maps an inbound request to a model family — the
// cost/rate-limit partition used by the queue and key pool.
package partition

import "strings"

// Family is the closed set of cost/rate-limit partitions.
type Family string

const (
	Turbo     Family = "turbo"
	GPT4      Family = "gpt4"
	GPT4_32K  Family = "gpt4-32k"
	Claude    Family = "claude"
	Bison     Family = "bison"
	AWSClaude Family = "aws-claude"
)

// All enumerates every partition, in dispatch order.
var All = []Family{Turbo, GPT4, GPT4_32K, Claude, Bison, AWSClaude}

// Dialect identifies a chat-completion wire protocol shape.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectPaLM      Dialect = "palm"
)

// Resolve is total: it always returns a Family, falling back to Turbo for
// anything it doesn't recognize. aws routes to AWSClaude regardless of the
// declared model string, matching the forced-override rule in the data
// model (a request can only reach the aws-claude partition by being routed
// to the AWS provider).
func Resolve(aws bool, dialect Dialect, model string) Family {
	if aws {
		return AWSClaude
	}
	switch dialect {
	case DialectAnthropic:
		return Claude
	case DialectPaLM:
		return Bison
	case DialectOpenAI:
		return resolveOpenAI(model)
	default:
		return Turbo
	}
}

func resolveOpenAI(model string) Family {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4-32k"):
		return GPT4_32K
	case strings.HasPrefix(m, "gpt-4"):
		return GPT4
	default:
		return Turbo
	}
}
