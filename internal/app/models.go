package app

// modelIDs lists the model names advertised by /{provider}/v1/models for
// each client-facing route. These are the identifiers the routing table in
// partition.Resolve already knows how to classify.
var modelIDs = map[string][]string{
	"openai": {
		"gpt-3.5-turbo",
		"gpt-4",
		"gpt-4-32k",
	},
	"anthropic": {
		"claude-3-opus-20240229",
		"claude-3-sonnet-20240229",
		"claude-3-haiku-20240307",
	},
	"google-palm": {
		"text-bison-001",
		"chat-bison-001",
	},
	"aws-claude": {
		"anthropic.claude-3-sonnet-20240229-v1:0",
		"anthropic.claude-3-haiku-20240307-v1:0",
	},
}
