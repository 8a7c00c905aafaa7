package chatsg

// The built-in specialized agents. Each is a promptAgent with its own
// system prompt and keyword affinities; the CRM agent (crm.go) adds a
// structured query-understanding step and tool invocation.

// AnalyticalAgent handles data analysis, statistics, and research queries.
type AnalyticalAgent struct {
	promptAgent
}

// NewAnalyticalAgent creates the analytical agent over the provider.
func NewAnalyticalAgent(provider Provider, opts ...AgentOption) *AnalyticalAgent {
	a := &AnalyticalAgent{newPromptAgent(
		"AnalyticalAgent",
		"You are an analytical assistant. You excel at data analysis, statistics, "+
			"research synthesis, and logical reasoning. Be precise, cite assumptions, "+
			"and show your working when it helps.",
		provider,
		[]string{"analyze", "analysis", "statistics", "statistical", "data", "metric", "trend", "compare", "calculate", "research"},
		[]string{"analysis", "statistics", "research", "reasoning"},
		false,
	)}
	for _, o := range opts {
		o(&a.promptAgent)
	}
	return a
}

// CreativeAgent handles writing, brainstorming, and ideation.
type CreativeAgent struct {
	promptAgent
}

// NewCreativeAgent creates the creative agent over the provider.
func NewCreativeAgent(provider Provider, opts ...AgentOption) *CreativeAgent {
	a := &CreativeAgent{newPromptAgent(
		"CreativeAgent",
		"You are a creative assistant. You excel at writing, storytelling, "+
			"brainstorming, and ideation. Favor vivid, original output.",
		provider,
		[]string{"write", "story", "poem", "creative", "brainstorm", "idea", "imagine", "draft", "compose", "name"},
		[]string{"writing", "brainstorming", "ideation"},
		false,
	)}
	for _, o := range opts {
		o(&a.promptAgent)
	}
	return a
}

// TechnicalAgent handles code, debugging, and engineering questions.
type TechnicalAgent struct {
	promptAgent
}

// NewTechnicalAgent creates the technical agent over the provider.
func NewTechnicalAgent(provider Provider, opts ...AgentOption) *TechnicalAgent {
	a := &TechnicalAgent{newPromptAgent(
		"TechnicalAgent",
		"You are a technical assistant. You excel at programming, debugging, "+
			"system design, and infrastructure. Prefer concrete, runnable answers.",
		provider,
		[]string{"code", "bug", "debug", "error", "function", "api", "deploy", "server", "database", "implement"},
		[]string{"programming", "debugging", "infrastructure"},
		false,
	)}
	for _, o := range opts {
		o(&a.promptAgent)
	}
	return a
}
