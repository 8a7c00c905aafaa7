package chatsg

import (
	"context"
	"errors"
	"testing"
	"time"
)

func startedRuntime(t *testing.T, store SessionStore, mem Memory, agents ...Agent) *Runtime {
	t.Helper()
	reg := NewRegistry()
	for _, a := range agents {
		reg.Register(a)
	}
	rt := NewRuntime(
		WithSessionStore(store),
		WithMemory(mem),
		WithRegistry(reg),
		WithShutdownGrace(time.Second),
	)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return rt
}

func TestRuntimeHandleRoundTrip(t *testing.T) {
	store := newMemStore()
	rt := startedRuntime(t, store, nil, &stubAgent{name: "alpha", reply: "hello"})
	defer rt.Stop(context.Background())

	msg, err := rt.Handle(context.Background(), Request{SessionID: "s1", UserInput: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if msg.Content != "hello" {
		t.Errorf("Content = %q", msg.Content)
	}
}

func TestRuntimeRequiresStoreAndRegistry(t *testing.T) {
	rt := NewRuntime()
	if err := rt.Start(context.Background()); err == nil {
		t.Error("Start succeeded without a store and registry")
	}
}

func TestRuntimeDoubleStart(t *testing.T) {
	rt := startedRuntime(t, newMemStore(), nil, &stubAgent{name: "a", reply: "x"})
	defer rt.Stop(context.Background())
	if err := rt.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
}

func TestRuntimeRefusesRequestsAfterStop(t *testing.T) {
	rt := startedRuntime(t, newMemStore(), nil, &stubAgent{name: "a", reply: "x"})
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	_, err := rt.Handle(context.Background(), Request{SessionID: "s1", UserInput: "hi"})
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("err = %v, want ErrShuttingDown", err)
	}
	err = rt.HandleStream(context.Background(), Request{SessionID: "s1", UserInput: "hi"}, &captureWriter{})
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("stream err = %v, want ErrShuttingDown", err)
	}

	// Stop is idempotent.
	if err := rt.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestRuntimeStopCancelsInflight(t *testing.T) {
	store := newMemStore()
	started := make(chan struct{})
	rt := startedRuntime(t, store, nil, &stubAgent{name: "a", process: func(ctx context.Context, _ Task, _ *Stream) (Message, error) {
		close(started)
		<-ctx.Done()
		return Message{}, ctx.Err()
	}})

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.Handle(context.Background(), Request{SessionID: "s1", UserInput: "hi"})
		errCh <- err
	}()
	<-started

	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("in-flight err = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request never finished")
	}
}

func TestRuntimeDeleteSession(t *testing.T) {
	store := newMemStore()
	mem := newMemMemory()
	rt := startedRuntime(t, store, mem, &stubAgent{name: "a", reply: "x"})
	defer rt.Stop(context.Background())

	if _, err := rt.Handle(context.Background(), Request{SessionID: "s1", UserInput: "hi"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := rt.DeleteSession(context.Background(), "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(context.Background(), "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession after delete = %v, want ErrSessionNotFound", err)
	}
	if len(mem.forgets) != 1 || mem.forgets[0] != "s1" {
		t.Errorf("forgets = %v, want [s1]", mem.forgets)
	}

	if err := rt.DeleteSession(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("delete unknown = %v, want ErrSessionNotFound", err)
	}
}

func TestRuntimeDrainsRememberOnStop(t *testing.T) {
	store := newMemStore()
	mem := newMemMemory()
	rt := startedRuntime(t, store, mem, &stubAgent{name: "a", reply: "noted"})

	if _, err := rt.Handle(context.Background(), Request{SessionID: "s1", UserInput: "keep this"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if turns := mem.turnsFor("s1"); len(turns) != 1 {
		t.Errorf("turns after drain = %+v, want 1", turns)
	}
}

func TestRuntimeRememberOptionsShapeQueue(t *testing.T) {
	store := newMemStore()
	mem := newMemMemory()
	reg := NewRegistry()
	reg.Register(&stubAgent{name: "a", reply: "x"})
	rt := NewRuntime(
		WithSessionStore(store),
		WithMemory(mem),
		WithRegistry(reg),
		WithRememberOptions(RememberWorkers(2), RememberQueueCap(8)),
	)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop(context.Background())

	if rt.remember == nil {
		t.Fatal("no remember queue built")
	}
	if len(rt.remember.queues) != 2 {
		t.Errorf("workers = %d, want 2", len(rt.remember.queues))
	}
	if cap(rt.remember.queues[0]) != 8 {
		t.Errorf("queue cap = %d, want 8", cap(rt.remember.queues[0]))
	}
}
