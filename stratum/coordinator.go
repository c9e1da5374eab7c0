package stratum

import (
	"context"
	"sync"
)

// receiverAction is what getInstructions tells its caller to do next.
type receiverAction int

const (
	actionReturnBuffer receiverAction = iota
	actionAssumeReceiverRole
)

type instructions struct {
	action receiverAction
	buffer Buffer
}

type awaiterOutcome int

const (
	outcomeNone awaiterOutcome = iota
	outcomeBuffer
	outcomeRole
	outcomeCancelled
	outcomeFailed
)

// awaiter is the one-shot slot a waiting caller blocks on. Exactly one of
// complete's callers wins the race to decide its outcome; everyone else's
// attempt is a no-op they must react to (dispatch disposes an undelivered
// buffer, relinquish tries another awaiter).
type awaiter struct {
	done    chan struct{}
	once    sync.Once
	outcome awaiterOutcome
	buffer  Buffer
	err     error
}

func (a *awaiter) complete(outcome awaiterOutcome, buf Buffer, err error) bool {
	ok := false
	a.once.Do(func() {
		a.outcome, a.buffer, a.err = outcome, buf, err
		ok = true
		close(a.done)
	})
	return ok
}

// awaiterPool reuses *awaiter values the same way the teacher's
// pendingRequestPool reuses *pendingRequest values (carlolib/
// pendingrequestpool.go): one per in-flight Receive call, returned once the
// call resolves.
var awaiterPool = &awaiterStructPool{}

type awaiterStructPool struct {
	sp sync.Pool
	m  PoolMetrics
}

func (p *awaiterStructPool) acquire() *awaiter {
	v := p.sp.Get()
	if v == nil {
		p.m.addNew()
		return &awaiter{done: make(chan struct{})}
	}
	p.m.addReuse()
	a := v.(*awaiter)
	a.done = make(chan struct{})
	a.once = sync.Once{}
	a.outcome = outcomeNone
	a.buffer = nil
	a.err = nil
	return a
}

func (p *awaiterStructPool) release(a *awaiter) {
	p.sp.Put(a)
	p.m.addPutBack()
}

// coordinator arbitrates the single reader role among every caller waiting
// on a response id. This is §4.2 of spec.md: at most one of {awaiter,
// pending} exists for a given id at any instant, and at most one caller
// holds the reader role.
type coordinator struct {
	mu               sync.Mutex
	awaiters         map[int32]*awaiter
	pending          map[int32]Buffer
	receiverAssigned bool
}

func newCoordinator() *coordinator {
	return &coordinator{
		awaiters: make(map[int32]*awaiter),
		pending:  make(map[int32]Buffer),
	}
}

// getInstructions implements the three-way branch in spec.md §4.2 exactly:
// a pending buffer is claimed immediately; a caller that finds the reader
// role already taken waits as an awaiter; otherwise the caller becomes the
// reader.
func (c *coordinator) getInstructions(ctx context.Context, id int32) (instructions, error) {
	c.mu.Lock()
	if buf, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.mu.Unlock()
		return instructions{action: actionReturnBuffer, buffer: buf}, nil
	}

	if c.receiverAssigned {
		aw := awaiterPool.acquire()
		c.awaiters[id] = aw
		c.mu.Unlock()

		select {
		case <-aw.done:
			return outcomeInstructions(aw)
		case <-ctx.Done():
			if aw.complete(outcomeCancelled, nil, ctx.Err()) {
				// We own the cancellation: the awaiter stays in the map
				// (spec.md §4.2's dispatch always looks it up and removes
				// it there, whether or not completion still succeeds) so
				// a concurrent dispatch finds it, fails to complete it,
				// and disposes the buffer instead of leaking it.
				return instructions{}, ctx.Err()
			}
			// Lost the race: dispatch or relinquish already decided this
			// awaiter's outcome before our cancellation landed.
			return outcomeInstructions(aw)
		}
	}

	c.receiverAssigned = true
	c.mu.Unlock()
	return instructions{action: actionAssumeReceiverRole}, nil
}

func outcomeInstructions(aw *awaiter) (instructions, error) {
	defer awaiterPool.release(aw)
	switch aw.outcome {
	case outcomeRole:
		return instructions{action: actionAssumeReceiverRole}, nil
	case outcomeBuffer:
		return instructions{action: actionReturnBuffer, buffer: aw.buffer}, nil
	case outcomeCancelled, outcomeFailed:
		return instructions{}, aw.err
	default:
		return instructions{}, errInternal
	}
}

// dispatch hands a received buffer to whichever awaiter is registered for
// id, or holds it in pending if nobody is waiting yet. If the awaiter has
// already been cancelled, the buffer has no consumer and must be disposed
// here — this is where spec.md §8 invariant 3's "disposed by the
// coordinator" case is satisfied for a cancelled awaiter; drainAndDispose
// covers buffers still pending at Dispose.
func (c *coordinator) dispatch(id int32, buf Buffer) {
	c.mu.Lock()
	aw, ok := c.awaiters[id]
	if ok {
		delete(c.awaiters, id)
	} else {
		c.pending[id] = buf
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	if !aw.complete(outcomeBuffer, buf, nil) {
		// Lost the race to a concurrent cancellation: the waiter already
		// returned without consuming this awaiter, so we release it here.
		buf.Dispose()
		awaiterPool.release(aw)
	}
}

// relinquish hands the reader role to one waiting awaiter, or clears
// receiverAssigned if none remain. Which awaiter is picked is whatever
// Go's map iteration returns first — spec.md §4.2/§9 are explicit that no
// fairness claim should be made about this choice.
func (c *coordinator) relinquish() {
	for {
		c.mu.Lock()
		var id int32
		var aw *awaiter
		for k, v := range c.awaiters {
			id, aw = k, v
			break
		}
		if aw == nil {
			c.receiverAssigned = false
			c.mu.Unlock()
			return
		}
		delete(c.awaiters, id)
		c.mu.Unlock()

		if aw.complete(outcomeRole, nil, nil) {
			return
		}
		// This awaiter was already cancelled; try the next one.
		awaiterPool.release(aw)
	}
}

// failAll wakes every current awaiter with err instead of leaving them to
// rely solely on their own cancel tokens. Spec.md §9's open question on
// whether a Failed transition should additionally fault waiters is decided
// here in the affirmative — see DESIGN.md.
func (c *coordinator) failAll(err error) {
	c.mu.Lock()
	awaiters := c.awaiters
	c.awaiters = make(map[int32]*awaiter)
	c.mu.Unlock()

	for _, aw := range awaiters {
		if !aw.complete(outcomeFailed, nil, err) {
			awaiterPool.release(aw)
		}
	}
}

// drainAndDispose releases every buffer still sitting in pending and faults
// every remaining awaiter, so Dispose never leaks a buffer that was
// received but never claimed (spec.md §8 invariant 3).
func (c *coordinator) drainAndDispose() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int32]Buffer)
	awaiters := c.awaiters
	c.awaiters = make(map[int32]*awaiter)
	c.receiverAssigned = false
	c.mu.Unlock()

	for _, buf := range pending {
		buf.Dispose()
	}
	for _, aw := range awaiters {
		if !aw.complete(outcomeFailed, nil, ErrObjectDisposed) {
			awaiterPool.release(aw)
		}
	}
}
