package taskengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
)

func newTestEngine(reg *Registry) *Engine {
	return New(reg, nil, nil)
}

func simpleTask(id, action string) *Task {
	return &Task{ID: id, Kind: KindSimple, Action: action}
}

func TestRunSimpleSetsOutputAndFinishedStatus(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	e := newTestEngine(reg)
	tk := simpleTask("1", "echo")
	if err := e.Run(context.Background(), tk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.Status != StatusFinished {
		t.Fatalf("expected finished status, got %s", tk.Status)
	}
	if string(tk.Output) != `{"ok":true}` {
		t.Fatalf("unexpected output: %s", tk.Output)
	}
}

func TestRunSequentialStopsAtFirstFailure(t *testing.T) {
	var ranThird int32
	reg := NewRegistry()
	reg.Register("ok", func(ctx context.Context, tk *Task) (json.RawMessage, error) { return nil, nil })
	reg.Register("fail", func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	reg.Register("third", func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		atomic.AddInt32(&ranThird, 1)
		return nil, nil
	})

	root := &Task{ID: "root", Kind: KindSequential, Subtasks: []*Task{
		simpleTask("1", "ok"),
		simpleTask("2", "fail"),
		simpleTask("3", "third"),
	}}

	e := newTestEngine(reg)
	if err := e.Run(context.Background(), root); err == nil {
		t.Fatalf("expected error from sequential task")
	}
	if root.Subtasks[0].Status != StatusFinished {
		t.Fatalf("expected first subtask finished")
	}
	if root.Subtasks[1].Status != StatusError {
		t.Fatalf("expected second subtask errored")
	}
	if atomic.LoadInt32(&ranThird) != 0 {
		t.Fatalf("expected third subtask not to run after failure")
	}
}

func TestRunParallelRunsAllAndJoinsErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register("fail", func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		return nil, errors.New("boom-" + tk.ID)
	})
	reg.Register("ok", func(ctx context.Context, tk *Task) (json.RawMessage, error) { return nil, nil })

	root := &Task{ID: "root", Kind: KindParallel, Subtasks: []*Task{
		simpleTask("a", "fail"),
		simpleTask("b", "ok"),
		simpleTask("c", "fail"),
	}}

	e := newTestEngine(reg)
	err := e.Run(context.Background(), root)
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if root.Subtasks[1].Status != StatusFinished {
		t.Fatalf("expected non-failing subtask to finish despite siblings failing")
	}
	if root.Subtasks[0].Status != StatusError || root.Subtasks[2].Status != StatusError {
		t.Fatalf("expected both failing subtasks to be marked errored")
	}
}

func TestRunSynchronizedRunsSubtasksConcurrently(t *testing.T) {
	n := 3
	barrier := NewBarrier(n)
	reached := make(chan string, n)

	reg := NewRegistry()
	reg.Register("rendezvous", func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		reached <- tk.ID
		barrier.Wait()
		return nil, nil
	})

	subs := make([]*Task, n)
	for i := 0; i < n; i++ {
		subs[i] = simpleTask(string(rune('a'+i)), "rendezvous")
	}
	root := &Task{ID: "root", Kind: KindSynchronized, Subtasks: subs}

	e := newTestEngine(reg)
	if err := e.Run(context.Background(), root); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(reached)
	count := 0
	for range reached {
		count++
	}
	if count != n {
		t.Fatalf("expected all %d participants to reach the barrier, got %d", n, count)
	}
}

func TestRunOnErrorHandlerInvokedOnFailure(t *testing.T) {
	var onErrorCalled bool
	reg := NewRegistry()
	reg.Register("fail", func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	reg.Register("cleanup", func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		onErrorCalled = true
		return nil, nil
	})

	tk := simpleTask("1", "fail")
	tk.OnError = "cleanup"

	e := newTestEngine(reg)
	if err := e.Run(context.Background(), tk); err == nil {
		t.Fatalf("expected the original error to still propagate")
	}
	if !onErrorCalled {
		t.Fatalf("expected on_error handler to run")
	}
}

func TestRunExternalWithoutDispatcherErrors(t *testing.T) {
	e := newTestEngine(NewRegistry())
	tk := &Task{ID: "1", Kind: KindExternal, Action: "remote_op"}
	if err := e.Run(context.Background(), tk); err == nil {
		t.Fatalf("expected error when no dispatcher is configured")
	}
}

func TestRunExternalUsesDispatcher(t *testing.T) {
	reg := NewRegistry()
	e := New(reg, nil, func(ctx context.Context, tk *Task) ([]byte, error) {
		return []byte(`{"done":true}`), nil
	})
	tk := &Task{ID: "1", Kind: KindExternal, Action: "remote_op"}
	if err := e.Run(context.Background(), tk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(tk.Output) != `{"done":true}` {
		t.Fatalf("unexpected output: %s", tk.Output)
	}
}
