package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for orchestration observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")

	AttrAgentName   = attribute.Key("agent.name")
	AttrAgentType   = attribute.Key("agent.type")
	AttrAgentStatus = attribute.Key("agent.status")

	AttrSessionID = attribute.Key("session.id")
)
