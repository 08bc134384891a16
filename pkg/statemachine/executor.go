package statemachine

import "github.com/dssys/summerset-go/pkg/wire"

// ApplyRequest asks the executor to apply cmd; ID is opaque to the executor
// and is echoed back on the result so the replica core can correlate it to
// a (slot, batch-index) pair without the executor knowing about slots.
type ApplyRequest struct {
	ID  any
	Cmd wire.Command
}

// ApplyResult is delivered asynchronously, in submission order (spec §5:
// "state machine applies in slot order" — the executor never reorders
// because it has exactly one apply loop goroutine).
type ApplyResult struct {
	ID     any
	Result wire.CommandResult
	Err    error
}

// Executor owns a Store and applies commands to it off of a single loop,
// so Apply is never called concurrently — satisfying idempotence for a
// given (slot, cmd_id) even though cmd_id itself is the caller's concern.
type Executor struct {
	store *Store
	reqCh chan ApplyRequest
	resCh chan ApplyResult
	done  chan struct{}
}

func NewExecutor(store *Store) *Executor {
	e := &Executor{
		store: store,
		reqCh: make(chan ApplyRequest, 256),
		resCh: make(chan ApplyResult, 256),
		done:  make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *Executor) loop() {
	for {
		select {
		case req := <-e.reqCh:
			res := e.applyOnce(req)
			e.resCh <- res
		case <-e.done:
			return
		}
	}
}

// applyOnce applies req.Cmd once. Store.Apply is a pure, in-memory KV
// operation over an already-committed, deterministic command and cannot
// fail, so there is nothing to retry: spec §4.12's "retry exactly once" for
// a deterministic-apply error has no trigger against this Store and would
// be dead machinery if added here.
func (e *Executor) applyOnce(req ApplyRequest) ApplyResult {
	result := e.store.Apply(req.Cmd)
	return ApplyResult{ID: req.ID, Result: result}
}

// Submit enqueues a command for application; the result arrives on Results().
func (e *Executor) Submit(id any, cmd wire.Command) {
	e.reqCh <- ApplyRequest{ID: id, Cmd: cmd}
}

// Results is the channel the replica core's select loop multiplexes
// alongside peer/client/log/lease/timer events (spec §5 suspension point 4).
func (e *Executor) Results() <-chan ApplyResult { return e.resCh }

func (e *Executor) Store() *Store { return e.store }

func (e *Executor) Close() { close(e.done) }
