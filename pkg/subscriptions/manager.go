package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/listsync/pkg/gateway"
	"github.com/astromechza/listsync/pkg/lists"
	"github.com/astromechza/listsync/pkg/view"
)

var ErrAlreadyStarted = errors.New("subscriptions already started")

// Dispatcher accepts reconciliation actions. view.Store satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, action view.Action) error
}

// Manager loads the initial lists and keeps one subscription per event kind open, turning every event into an
// action for the dispatcher.
type Manager struct {
	gateway    gateway.Gateway
	dispatcher Dispatcher
	logger     *slog.Logger

	lock    sync.Mutex
	started bool
	subs    []gateway.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(gw gateway.Gateway, dispatcher Dispatcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{gateway: gw, dispatcher: dispatcher, logger: logger}
}

// Start opens the three subscriptions and then performs the bulk read, so that nothing changed between the
// snapshot and the handshake is lost. Events arriving meanwhile wait in their subscriptions and are forwarded only
// after the snapshot has been dispatched. Any failure is returned as is, after releasing whatever had already been
// opened. A manager can only be started successfully once.
func (m *Manager) Start(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}

	subs := make([]gateway.Subscription, len(lists.EventKinds))
	release := func() {
		for _, sub := range subs {
			if sub != nil {
				sub.Unsubscribe()
			}
		}
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for i, kind := range lists.EventKinds {
		eg.Go(func() error {
			sub, err := m.gateway.Subscribe(egCtx, kind)
			if err != nil {
				return fmt.Errorf("failed to subscribe to %s events: %w", kind, err)
			}
			subs[i] = sub
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		release()
		return err
	}
	m.logger.Info("subscribed", "kinds", lists.EventKinds)

	items, err := m.gateway.BulkRead(ctx)
	if err != nil {
		release()
		return fmt.Errorf("failed to read lists: %w", err)
	}
	if err := m.dispatcher.Dispatch(ctx, view.ListsReceived{Items: items}); err != nil {
		release()
		return fmt.Errorf("failed to dispatch lists: %w", err)
	}
	m.logger.Info("loaded lists", "count", len(items))

	forwardCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.subs = subs
	m.started = true
	for _, sub := range subs {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.forward(forwardCtx, sub)
		}()
	}
	return nil
}

func (m *Manager) forward(ctx context.Context, sub gateway.Subscription) {
	for event := range sub.Events() {
		action, ok := actionFor(event)
		if !ok {
			m.logger.Warn("dropping event of unknown kind", "kind", event.Kind, "id", event.Item.ID)
			continue
		}
		if err := m.dispatcher.Dispatch(ctx, action); err != nil {
			m.logger.Info("stopped forwarding events", "kind", event.Kind, "err", err)
			return
		}
	}
}

func actionFor(event lists.Event) (view.Action, bool) {
	switch event.Kind {
	case lists.Created:
		return view.ListsReceived{Items: []lists.ListItem{event.Item}}, true
	case lists.Updated:
		return view.ItemUpdated{Item: event.Item}, true
	case lists.Deleted:
		return view.ItemDeleted{ID: event.Item.ID}, true
	default:
		return nil, false
	}
}

// Close releases every subscription and waits for the forwarding goroutines. It may be called repeatedly and before
// Start.
func (m *Manager) Close() {
	m.lock.Lock()
	subs := m.subs
	m.subs = nil
	cancel := m.cancel
	m.lock.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
