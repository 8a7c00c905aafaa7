// Package chatsg is a multi-agent conversational orchestration engine.
//
// Given a user utterance, a session identifier, and optional routing
// metadata, the engine selects a specialized agent, executes it (the agent
// may invoke tools and stream tokens), and delivers output either as a
// complete assistant message or as a live event stream. Per-session
// continuity (agent lock, history, unread tracking) and asynchronous
// memory persistence are owned by the engine.
//
// # Quick Start
//
//	registry := chatsg.NewRegistry()
//	registry.Register(chatsg.NewAnalyticalAgent(provider))
//	registry.Register(chatsg.NewCreativeAgent(provider))
//	registry.Register(chatsg.NewTechnicalAgent(provider))
//
//	rt := chatsg.NewRuntime(
//	    chatsg.WithSessionStore(jsonl.New(dir)),
//	    chatsg.WithMemory(sqlitemem.New("memory.db")),
//	    chatsg.WithRegistry(registry),
//	)
//	if err := rt.Start(ctx); err != nil { ... }
//	defer rt.Stop(context.Background())
//
//	err := rt.HandleStream(ctx, chatsg.Request{
//	    SessionID: "sess-1",
//	    UserInput: "analyze these statistics",
//	}, writer)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Agent]: a specialized responder (analytical, creative, technical, CRM, or custom)
//   - [SessionStore]: per-session message log, metadata index, unread tracking
//   - [Memory]: bounded-latency recall and fire-and-forget remember
//   - [Provider]: LLM backend (chat + token streaming)
//   - [Tool]: side-effectful capability invoked through a ToolContext
//   - [StreamWriter]: transport sink for the typed event sequence
//
// # Included Implementations
//
// Session stores: store/jsonl (append-log files, the canonical v1 format),
// store/sqlite (local), store/postgres (pgx).
// Memory backends: memory/sqlite, memory/redis.
//
// Transport framing (SSE, websockets), authentication, rate limiting, and
// sanitization are out of scope; the engine consumes a StreamWriter and
// already-resolved routing metadata from the caller.
package chatsg
