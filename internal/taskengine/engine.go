package taskengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sequentech/orchestra/pkg/logger"
)

// Engine walks a Task tree, dispatching Simple/External leaves to
// Handlers and applying the composite rules for Sequential, Parallel,
// and Synchronized nodes.
type Engine struct {
	registry *Registry
	log      *logger.Logger
	external ExternalDispatcher
}

// ExternalDispatcher resolves an External task by handing it to
// whatever actor owns it — a remote authority's HTTP task endpoint, or
// an operator approval gate — and blocks until that actor responds,
// returning its output or error. t.ReceiverURL distinguishes a remote
// peer call from an operator gate (empty ReceiverURL).
type ExternalDispatcher func(ctx context.Context, t *Task) (output []byte, err error)

// New returns an Engine bound to registry for local actions and
// dispatcher for External tasks. dispatcher may be nil if the engine
// never runs External nodes (e.g. in unit tests of pure composites).
func New(registry *Registry, log *logger.Logger, dispatcher ExternalDispatcher) *Engine {
	return &Engine{registry: registry, log: log, external: dispatcher}
}

// Run executes t and its subtasks according to Kind, mutating
// t.Status/t.Output/t.Error in place, and returns the first error
// encountered (already recorded on the relevant node).
func (e *Engine) Run(ctx context.Context, t *Task) error {
	t.Status = StatusRunning

	var err error
	switch t.Kind {
	case KindSimple:
		err = e.runSimple(ctx, t)
	case KindExternal:
		err = e.runExternal(ctx, t)
	case KindSequential:
		err = e.runSequential(ctx, t)
	case KindParallel:
		err = e.runParallel(ctx, t)
	case KindSynchronized:
		err = e.runSynchronized(ctx, t)
	default:
		err = fmt.Errorf("taskengine: unknown task kind %q", t.Kind)
	}

	if err != nil {
		t.Status = StatusError
		t.Error = err.Error()
		if t.OnError != "" {
			if handlerErr := e.runOnError(ctx, t); handlerErr != nil {
				if e.log != nil {
					e.log.WithFields(map[string]interface{}{
						"task_id": t.ID, "on_error": t.OnError, "err": handlerErr,
					}).Error("on_error handler itself failed")
				}
			}
		}
		return err
	}

	t.Status = StatusFinished
	return nil
}

func (e *Engine) runSimple(ctx context.Context, t *Task) error {
	h, err := e.registry.Lookup(t.Action)
	if err != nil {
		return err
	}
	out, err := h(ctx, t)
	if err != nil {
		return err
	}
	t.Output = out
	return nil
}

func (e *Engine) runExternal(ctx context.Context, t *Task) error {
	if e.external == nil {
		return fmt.Errorf("taskengine: task %s is external but no dispatcher configured", t.ID)
	}
	out, err := e.external(ctx, t)
	if err != nil {
		return err
	}
	t.Output = out
	return nil
}

// runSequential runs subtasks strictly in order, stopping at the
// first failing subtask (spec.md §4.1 Sequential semantics).
func (e *Engine) runSequential(ctx context.Context, t *Task) error {
	for _, sub := range t.Subtasks {
		if err := e.Run(ctx, sub); err != nil {
			return fmt.Errorf("subtask %s failed: %w", sub.ID, err)
		}
	}
	return nil
}

// runParallel runs all subtasks concurrently and waits for every one
// of them to finish, joining every error rather than stopping at the
// first (spec.md §4.1 Parallel semantics).
func (e *Engine) runParallel(ctx context.Context, t *Task) error {
	var wg sync.WaitGroup
	errs := make([]error, len(t.Subtasks))
	for i, sub := range t.Subtasks {
		wg.Add(1)
		go func(i int, sub *Task) {
			defer wg.Done()
			if err := e.Run(ctx, sub); err != nil {
				errs[i] = fmt.Errorf("subtask %s failed: %w", sub.ID, err)
			}
		}(i, sub)
	}
	wg.Wait()

	var joined error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if joined == nil {
			joined = err
		} else {
			joined = fmt.Errorf("%w; %v", joined, err)
		}
	}
	return joined
}

// runSynchronized runs all subtasks concurrently, same as Parallel,
// but every Handler invoked beneath a Synchronized node is expected to
// itself block on a Barrier until every party has reached the same
// point (e.g. every authority uploading its share before any of them
// proceeds to the keygen round). The engine's own contribution to that
// guarantee is simply: start every subtask before waiting on any of
// them, so no subtask is starved of CPU while others queue behind it.
func (e *Engine) runSynchronized(ctx context.Context, t *Task) error {
	return e.runParallel(ctx, t)
}

func (e *Engine) runOnError(ctx context.Context, t *Task) error {
	h, err := e.registry.Lookup(t.OnError)
	if err != nil {
		return err
	}
	_, err = h(ctx, t)
	return err
}
