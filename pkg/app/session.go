package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/astromechza/listsync/pkg/gateway"
	"github.com/astromechza/listsync/pkg/lists"
	"github.com/astromechza/listsync/pkg/subscriptions"
	"github.com/astromechza/listsync/pkg/view"
)

var (
	ErrTitleRequired = errors.New("title is required")
	ErrNoDraft       = errors.New("no list is being edited")
)

// Session is the application shell: it owns the view store, keeps it reconciled with the backend and turns a
// submitted draft into a create or update call.
type Session struct {
	gateway gateway.Gateway
	store   *view.Store
	manager *subscriptions.Manager
	logger  *slog.Logger

	cancel    context.CancelFunc
	done      chan error
	closeOnce sync.Once
}

// Open starts the store, loads the current lists and subscribes to changes. The returned session already reflects
// the initial bulk read.
func Open(ctx context.Context, gw gateway.Gateway, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store := view.NewStore(gw, logger)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() {
		done <- store.Run(runCtx)
	}()

	s := &Session{
		gateway: gw,
		store:   store,
		manager: subscriptions.New(gw, store, logger),
		logger:  logger,
		cancel:  cancel,
		done:    done,
	}
	if err := s.manager.Start(ctx); err != nil {
		cancel()
		<-done
		return nil, err
	}
	if _, err := store.Settle(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to load initial lists: %w", err)
	}
	logger.Info("session opened", "lists", len(store.State().Items))
	return s, nil
}

func (s *Session) State() view.State {
	return s.store.State()
}

func (s *Session) Dispatch(ctx context.Context, action view.Action) error {
	return s.store.Dispatch(ctx, action)
}

func (s *Session) Apply(ctx context.Context, action view.Action) (view.State, error) {
	return s.store.Apply(ctx, action)
}

// DispatchFunc adapts the session to the fire-and-forget callback handed to rows and forms.
func (s *Session) DispatchFunc() func(view.Action) {
	return func(action view.Action) {
		if err := s.store.Dispatch(context.Background(), action); err != nil {
			s.logger.Warn("dropped action", "action", fmt.Sprintf("%T", action), "err", err)
		}
	}
}

func (s *Session) Watch() <-chan view.State {
	return s.store.Watch()
}

func (s *Session) Errors() <-chan error {
	return s.store.Errors()
}

// Save submits the open draft. In add mode it creates a new list and in edit mode it updates the list being edited.
// The form is closed only after the backend accepted the change; the list itself shows up through the subscription.
func (s *Session) Save(ctx context.Context) (lists.ListItem, error) {
	state, err := s.store.Settle(ctx)
	if err != nil {
		return lists.ListItem{}, err
	}
	if !state.ModalOpen {
		return lists.ListItem{}, ErrNoDraft
	}
	draft := state.Draft()
	draft.Title = strings.TrimSpace(draft.Title)
	if draft.Title == "" {
		return lists.ListItem{}, ErrTitleRequired
	}

	var saved lists.ListItem
	switch state.ModalMode {
	case view.ModalEdit:
		if saved, err = s.gateway.Update(ctx, draft); err != nil {
			return lists.ListItem{}, fmt.Errorf("failed to update list: %w", err)
		}
	default:
		draft.ID = ""
		if saved, err = s.gateway.Create(ctx, draft); err != nil {
			return lists.ListItem{}, fmt.Errorf("failed to create list: %w", err)
		}
	}
	s.logger.Info("saved list", "id", saved.ID, "mode", state.ModalMode)
	if err := s.store.Dispatch(ctx, view.CloseModal{}); err != nil {
		return saved, err
	}
	return saved, nil
}

// Close releases the subscriptions and stops the store. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.manager.Close()
		s.cancel()
		err = <-s.done
	})
	return err
}
