package schema

import (
	"context"
	"sync"
)

// Future is the single-resolution completion of an outstanding request.
type Future struct {
	id   string
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	result   *Instance
	err      error
	onCancel func()
}

func NewFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

func (f *Future) ID() string { return f.id }

func (f *Future) Done() <-chan struct{} { return f.done }

// Resolve completes the future with a reply. Only the first completion wins.
func (f *Future) Resolve(result *Instance) bool {
	return f.complete(result, nil)
}

// Fail completes the future with err. Only the first completion wins.
func (f *Future) Fail(err error) bool {
	return f.complete(nil, err)
}

func (f *Future) complete(result *Instance, err error) bool {
	won := false
	f.once.Do(func() {
		f.mu.Lock()
		f.result = result
		f.err = err
		f.mu.Unlock()
		close(f.done)
		won = true
	})
	return won
}

// OnCancel registers fn to run when Cancel is called on a pending future.
func (f *Future) OnCancel(fn func()) {
	f.mu.Lock()
	f.onCancel = fn
	f.mu.Unlock()
}

// Cancel runs the cancel hook (the dispatcher drops the pending entry) and
// fails the future with ErrCanceled.
func (f *Future) Cancel() bool {
	select {
	case <-f.done:
		return false
	default:
	}
	f.mu.Lock()
	fn := f.onCancel
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
	return f.Fail(ErrCanceled)
}

// Result returns the outcome without blocking; ok is false while pending.
func (f *Future) Result() (result *Instance, err error, ok bool) {
	select {
	case <-f.done:
	default:
		return nil, nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err, true
}

// Wait blocks until the future completes or ctx ends. Ending ctx does not
// cancel the future.
func (f *Future) Wait(ctx context.Context) (*Instance, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
