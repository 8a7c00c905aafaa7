package chatsg

import (
	"log/slog"
	"sort"
	"strings"
)

// RoutingMetadata is resolved slash-command routing supplied by the caller.
// Catalog parsing happens upstream; the engine only consumes the result.
type RoutingMetadata struct {
	ForceAgent  bool    `json:"forceAgent"`
	AgentType   string  `json:"agentType,omitempty"`
	CommandName string  `json:"commandName,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"` // 1.0 when forced
}

// SessionContext is the slice of session state the selector reads.
type SessionContext struct {
	Preferences   UserPreferences
	ActiveAgent   string
	LastAgentUsed string
}

// Selection is the routing decision for one request.
type Selection struct {
	Agent      string   `json:"selectedAgent"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
	Fallbacks  []string `json:"fallbackAgents,omitempty"`
}

// Selection reasons. Values are stable: they land in agent history entries
// and orchestration summaries.
const (
	ReasonForced     = "forced"
	ReasonAgentLock  = "agent-lock"
	ReasonKeyword    = "keyword-match"
	ReasonCapability = "capability-score"
	ReasonFallback   = "fallback"
	ReasonContinuity = "+continuity"
)

// Selection confidence constants. Fixed by the routing contract, not
// tunable at runtime.
const (
	forcedConfidence    = 1.0
	lockConfidence      = 0.95
	keywordBase         = 0.7
	keywordCap          = 0.95
	fallbackConfidence  = 0.1
	continuityBonus     = 0.1
	featureKeywordScore = 15
	toolSupportScore    = 20
	stateSharingScore   = 15
)

// Terms whose presence in the input hint at tool or memory use, feeding the
// capability-scoring rule.
var (
	toolHintTerms   = []string{"search", "look up", "fetch", "run", "execute", "query", "find", "check"}
	memoryHintTerms = []string{"remember", "recall", "earlier", "last time", "previous", "we discussed", "you said"}
)

// Selector chooses an agent for each request. Selection is deterministic:
// the same input, session state, registry contents, and routing metadata
// always produce the same decision.
type Selector struct {
	registry *Registry
	logger   *slog.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// SelectorLogger sets the structured logger for routing warnings.
func SelectorLogger(l *slog.Logger) SelectorOption {
	return func(s *Selector) { s.logger = l }
}

// NewSelector creates a Selector over the registry.
func NewSelector(registry *Registry, opts ...SelectorOption) *Selector {
	s := &Selector{registry: registry, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Select applies the routing decision order, short-circuiting on the first
// matching rule: forced routing, agent lock, keyword scoring, capability
// scoring, then first-registered fallback. The continuity bonus applies
// when a non-locked rule re-selects the session's last agent.
func (s *Selector) Select(input string, sess SessionContext, routing *RoutingMetadata) (Selection, error) {
	if s.registry.Len() == 0 {
		return Selection{}, ErrNoAgents
	}

	// 1. Forced routing from slash-command metadata.
	if routing != nil && routing.ForceAgent && routing.AgentType != "" {
		if s.registry.Has(routing.AgentType) {
			return Selection{Agent: routing.AgentType, Confidence: forcedConfidence, Reason: ReasonForced}, nil
		}
		s.logger.Warn("selection: forced agent not registered, continuing",
			"agent", routing.AgentType, "command", routing.CommandName)
	}

	// 2. Agent lock.
	if sess.Preferences.AgentLock {
		locked := sess.Preferences.PreferredAgent
		if locked == "" {
			locked = sess.Preferences.LastAgentUsed
		}
		if locked != "" && s.registry.Has(locked) {
			return Selection{Agent: locked, Confidence: lockConfidence, Reason: ReasonAgentLock}, nil
		}
	}

	// 3. Specialized keyword routing.
	if sel, ok := s.selectByKeywords(input); ok {
		return s.withContinuity(sel, sess, keywordCap), nil
	}

	// 4. Capability scoring.
	if sel, ok := s.selectByCapabilities(input); ok {
		return s.withContinuity(sel, sess, 1.0), nil
	}

	// 5. Fallback: alphabetically first registered agent.
	names := s.registry.Names()
	sort.Strings(names)
	return Selection{Agent: names[0], Confidence: fallbackConfidence, Reason: ReasonFallback}, nil
}

// selectByKeywords scores the input against each agent's advertised
// keywords. Fires only when the top score reaches 1.
func (s *Selector) selectByKeywords(input string) (Selection, bool) {
	lower := strings.ToLower(input)

	type scored struct {
		name  string
		score int
	}
	var hits []scored
	for _, name := range s.registry.Names() {
		a, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		km, ok := a.(KeywordMatcher)
		if !ok {
			continue
		}
		score := 0
		for _, kw := range km.Keywords() {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{name, score})
		}
	}
	if len(hits) == 0 {
		return Selection{}, false
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].name < hits[j].name
	})

	top := hits[0].score
	second := 0
	if len(hits) > 1 {
		second = hits[1].score
	}
	gap := top - second

	confidence := keywordBase + float64(gap)*0.1 + float64(top)*0.05
	if top >= 3 {
		confidence += 0.1
	}
	if gap >= 2 {
		confidence += 0.05
	}
	confidence = clamp(confidence, 0, keywordCap)

	fallbacks := make([]string, 0, len(hits)-1)
	for _, h := range hits[1:] {
		fallbacks = append(fallbacks, h.name)
	}
	return Selection{
		Agent:      hits[0].name,
		Confidence: confidence,
		Reason:     ReasonKeyword,
		Fallbacks:  fallbacks,
	}, true
}

// selectByCapabilities scores every registered agent from its capability
// descriptor: feature keyword hits, tool-support bonus when the input
// suggests tools, state-sharing bonus when it suggests memory. Scores
// normalize by /100 into confidence.
func (s *Selector) selectByCapabilities(input string) (Selection, bool) {
	lower := strings.ToLower(input)
	suggestsTools := containsAny(lower, toolHintTerms)
	suggestsMemory := containsAny(lower, memoryHintTerms)

	type scored struct {
		name  string
		score int
	}
	var all []scored
	for _, caps := range s.registry.List() {
		score := 0
		for _, f := range caps.Features {
			if strings.Contains(lower, strings.ToLower(f)) {
				score += featureKeywordScore
			}
		}
		if suggestsTools && caps.SupportsTools {
			score += toolSupportScore
		}
		if suggestsMemory && caps.SupportsStateSharing {
			score += stateSharingScore
		}
		all = append(all, scored{caps.Name, score})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].name < all[j].name
	})
	if len(all) == 0 || all[0].score == 0 {
		return Selection{}, false
	}

	fallbacks := make([]string, 0, len(all)-1)
	for _, h := range all[1:] {
		if h.score > 0 {
			fallbacks = append(fallbacks, h.name)
		}
	}
	return Selection{
		Agent:      all[0].name,
		Confidence: clamp(float64(all[0].score)/100, 0, 1),
		Reason:     ReasonCapability,
		Fallbacks:  fallbacks,
	}, true
}

// withContinuity applies the +0.1 continuity bonus when the rule re-selected
// the session's last agent. Never applied under agent lock (rule 2 already
// short-circuited), capped per rule.
func (s *Selector) withContinuity(sel Selection, sess SessionContext, limit float64) Selection {
	if sess.LastAgentUsed != "" && sel.Agent == sess.LastAgentUsed {
		sel.Confidence = clamp(sel.Confidence+continuityBonus, 0, limit)
		sel.Reason += ReasonContinuity
	}
	return sel
}

func containsAny(haystack string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
