package realtime

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type listener struct {
	id string
	fn func(State)

	// held while fn runs; pending and removed are guarded by listenerSet.mu
	deliver sync.Mutex
	pending []State
	removed bool
}

// listenerSet delivers state notifications to each listener in order. Each
// listener has its own queue and delivery lock. The goroutine that queued a
// notification delivers it unless the listener is already running, in which
// case the running delivery picks it up before returning. A listener that
// triggers another transition therefore sees it after its current call
// instead of deadlocking.
type listenerSet struct {
	mu        sync.Mutex
	order     []*listener
	listeners map[string]*listener
	logger    *zap.Logger
}

func newListenerSet(logger *zap.Logger) *listenerSet {
	return &listenerSet{
		listeners: make(map[string]*listener),
		logger:    logger,
	}
}

// add registers fn with a pending replay of current and returns it with its
// delivery lock held, so nothing reaches fn before the replay. The caller
// finishes with replay.
func (s *listenerSet) add(fn func(State), current State) *listener {
	l := &listener{id: uuid.NewString(), fn: fn, pending: []State{current}}
	l.deliver.Lock()

	s.mu.Lock()
	s.listeners[l.id] = l
	s.order = append(s.order, l)
	s.mu.Unlock()

	return l
}

// replay runs l for its replay and anything queued since, on the calling
// goroutine.
func (s *listenerSet) replay(l *listener) {
	s.flush(l)
	l.deliver.Unlock()
	s.settle(l)
}

func (s *listenerSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listeners[id]
	if !ok {
		return
	}
	l.removed = true
	l.pending = nil
	delete(s.listeners, id)
	for i, v := range s.order {
		if v == l {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

// broadcast queues state for every listener registered right now. Callers
// follow up with drain once their own locks are released.
func (s *listenerSet) broadcast(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.order {
		l.pending = append(l.pending, state)
	}
}

// drain delivers queued notifications in registration order.
func (s *listenerSet) drain() {
	s.mu.Lock()
	order := make([]*listener, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	for _, l := range order {
		s.settle(l)
	}
}

// settle delivers l's queue unless another call is already running l. A
// state queued while that call runs is picked up by it, because the running
// goroutine checks the queue again after releasing the delivery lock.
func (s *listenerSet) settle(l *listener) {
	for s.hasPending(l) {
		if !l.deliver.TryLock() {
			return
		}
		s.flush(l)
		l.deliver.Unlock()
	}
}

func (s *listenerSet) hasPending(l *listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !l.removed && len(l.pending) > 0
}

// flush runs l for every queued state. The caller holds l.deliver.
func (s *listenerSet) flush(l *listener) {
	for {
		s.mu.Lock()
		if l.removed || len(l.pending) == 0 {
			s.mu.Unlock()
			return
		}
		state := l.pending[0]
		l.pending = l.pending[1:]
		s.mu.Unlock()

		s.call(l.fn, state)
	}
}

func (s *listenerSet) call(fn func(State), state State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection listener panicked",
				zap.String("state", state.String()),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(state)
}
