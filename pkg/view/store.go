package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Dispatch once the store's Run loop has exited.
var ErrStopped = errors.New("store is stopped")

var errNilAction = errors.New("cannot dispatch a nil action")

// Deleter is the one backend call the reducer can ask for.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

type envelope struct {
	action Action
	reply  chan State
}

const (
	actionBuffer  = 64
	deleteTimeout = 30 * time.Second
)

// Store owns a State and applies actions to it one at a time on the goroutine calling Run.
type Store struct {
	deleter Deleter
	logger  *slog.Logger

	actions chan envelope
	stopped chan struct{}
	errs    chan error

	lock     sync.RWMutex
	state    State
	watchers []chan State

	effects sync.WaitGroup
}

func NewStore(deleter Deleter, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		deleter: deleter,
		logger:  logger,
		actions: make(chan envelope, actionBuffer),
		stopped: make(chan struct{}),
		errs:    make(chan error, actionBuffer),
	}
}

// Run consumes dispatched actions until the context is done. It must only be called once.
func (s *Store) Run(ctx context.Context) error {
	defer func() {
		close(s.stopped)
		s.effects.Wait()
		s.lock.Lock()
		for _, w := range s.watchers {
			close(w)
		}
		s.watchers = nil
		s.lock.Unlock()
	}()
	for {
		select {
		case e := <-s.actions:
			var next State
			if e.action == nil {
				next = s.State()
			} else {
				next = s.apply(ctx, e.action)
			}
			if e.reply != nil {
				e.reply <- next.Clone()
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Dispatch queues an action. It blocks while the queue is full and fails once the store has stopped.
func (s *Store) Dispatch(ctx context.Context, action Action) error {
	if action == nil {
		return errNilAction
	}
	return s.enqueue(ctx, envelope{action: action})
}

// Apply queues an action and waits for it to be reduced, returning the resulting state.
func (s *Store) Apply(ctx context.Context, action Action) (State, error) {
	if action == nil {
		return State{}, errNilAction
	}
	return s.roundTrip(ctx, action)
}

// Settle waits until every action dispatched before the call has been reduced and returns the state at that point.
func (s *Store) Settle(ctx context.Context) (State, error) {
	return s.roundTrip(ctx, nil)
}

func (s *Store) roundTrip(ctx context.Context, action Action) (State, error) {
	reply := make(chan State, 1)
	if err := s.enqueue(ctx, envelope{action: action, reply: reply}); err != nil {
		return State{}, err
	}
	select {
	case next := <-reply:
		return next, nil
	case <-s.stopped:
		// Run may have replied just before stopping
		select {
		case next := <-reply:
			return next, nil
		default:
			return State{}, ErrStopped
		}
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

func (s *Store) enqueue(ctx context.Context, e envelope) error {
	select {
	case <-s.stopped:
		return ErrStopped
	default:
	}
	select {
	case s.actions <- e:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.state.Clone()
}

// Watch returns a channel that receives every new state. A watcher that falls behind misses intermediate states but
// always sees a later one. The channel is closed when the store stops.
func (s *Store) Watch() <-chan State {
	s.lock.Lock()
	defer s.lock.Unlock()
	w := make(chan State, 1)
	select {
	case <-s.stopped:
		close(w)
	default:
		s.watchers = append(s.watchers, w)
	}
	return w
}

// Errors reports failed fire-and-forget calls such as deletions.
func (s *Store) Errors() <-chan error {
	return s.errs
}

func (s *Store) apply(ctx context.Context, action Action) State {
	s.lock.RLock()
	current := s.state
	s.lock.RUnlock()

	next, effect := Reduce(current, action)

	s.lock.Lock()
	s.state = next
	watchers := s.watchers
	s.lock.Unlock()

	for _, w := range watchers {
		snapshot := next.Clone()
		select {
		case w <- snapshot:
		default:
			// replace the stale pending state with the newest one
			select {
			case <-w:
			default:
			}
			select {
			case w <- snapshot:
			default:
			}
		}
	}

	switch e := effect.(type) {
	case nil:
	case DeleteList:
		s.runDelete(ctx, e.ID)
	case Miss:
		s.logger.Debug("no list to reconcile", "action", fmt.Sprintf("%T", e.Action), "id", e.ID)
	case Unrecognized:
		s.logger.Warn("ignoring unrecognized action", "action", fmt.Sprintf("%#v", e.Action))
	}
	return next
}

func (s *Store) runDelete(ctx context.Context, id string) {
	if s.deleter == nil {
		s.logger.Warn("no backend to delete list", "id", id)
		return
	}
	s.effects.Add(1)
	go func() {
		defer s.effects.Done()
		// the deletion outlives the store's context but not forever
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
		defer cancel()
		if err := s.deleter.Delete(ctx, id); err != nil {
			s.logger.Error("failed to delete list", "id", id, "err", err)
			select {
			case s.errs <- err:
			default:
			}
		}
	}()
}
