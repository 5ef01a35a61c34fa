package subscriptions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/astromechza/listsync/pkg/gateway"
	"github.com/astromechza/listsync/pkg/lists"
	"github.com/astromechza/listsync/pkg/view"
)

type fakeSubscription struct {
	events chan lists.Event
	once   sync.Once
	count  int
	lock   sync.Mutex
}

func (f *fakeSubscription) Events() <-chan lists.Event {
	return f.events
}

func (f *fakeSubscription) Unsubscribe() {
	f.lock.Lock()
	f.count++
	f.lock.Unlock()
	f.once.Do(func() { close(f.events) })
}

func (f *fakeSubscription) unsubscribed() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.count
}

type fakeGateway struct {
	initial      []lists.ListItem
	readErr      error
	onRead       func()
	subscribeErr map[lists.EventKind]error

	lock sync.Mutex
	subs map[lists.EventKind]*fakeSubscription
}

func newFakeGateway(initial ...lists.ListItem) *fakeGateway {
	return &fakeGateway{
		initial:      initial,
		subscribeErr: map[lists.EventKind]error{},
		subs:         map[lists.EventKind]*fakeSubscription{},
	}
}

func (f *fakeGateway) BulkRead(context.Context) ([]lists.ListItem, error) {
	if f.onRead != nil {
		f.onRead()
	}
	return f.initial, f.readErr
}

func (f *fakeGateway) Create(_ context.Context, item lists.ListItem) (lists.ListItem, error) {
	return item, nil
}

func (f *fakeGateway) Update(_ context.Context, item lists.ListItem) (lists.ListItem, error) {
	return item, nil
}

func (f *fakeGateway) Delete(context.Context, string) error {
	return nil
}

func (f *fakeGateway) Subscribe(_ context.Context, kind lists.EventKind) (gateway.Subscription, error) {
	if err := f.subscribeErr[kind]; err != nil {
		return nil, err
	}
	sub := &fakeSubscription{events: make(chan lists.Event, 8)}
	f.lock.Lock()
	f.subs[kind] = sub
	f.lock.Unlock()
	return sub, nil
}

func (f *fakeGateway) sub(kind lists.EventKind) *fakeSubscription {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.subs[kind]
}

func runStore(t *testing.T) *view.Store {
	t.Helper()
	store := view.NewStore(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = store.Run(ctx)
	}()
	return store
}

func waitFor(t *testing.T, store *view.Store, predicate func(view.State) bool) view.State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := store.State(); predicate(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for state")
	return view.State{}
}

func titles(items []lists.ListItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Title)
	}
	return out
}

func TestManagerReconcilesAllStreams(t *testing.T) {
	gw := newFakeGateway(lists.ListItem{ID: "1", Title: "first"}, lists.ListItem{ID: "2", Title: "second"})
	store := runStore(t)
	m := New(gw, store, nil)
	defer m.Close()

	assert.Equal(t, m.Start(context.Background()), nil)
	waitFor(t, store, func(s view.State) bool { return len(s.Items) == 2 })

	gw.sub(lists.Created).events <- lists.Event{Kind: lists.Created, Item: lists.ListItem{ID: "3", Title: "third"}}
	waitFor(t, store, func(s view.State) bool { return len(s.Items) == 3 })

	gw.sub(lists.Updated).events <- lists.Event{Kind: lists.Updated, Item: lists.ListItem{ID: "1", Title: "renamed"}}
	waitFor(t, store, func(s view.State) bool { return s.Items[1].Title == "renamed" })

	gw.sub(lists.Deleted).events <- lists.Event{Kind: lists.Deleted, Item: lists.ListItem{ID: "2"}}
	s := waitFor(t, store, func(s view.State) bool { return len(s.Items) == 2 })
	assert.Equal(t, titles(s.Items), []string{"third", "renamed"})
}

func TestManagerStartsOnce(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, runStore(t), nil)
	defer m.Close()

	assert.Equal(t, m.Start(context.Background()), nil)
	assert.Equal(t, errors.Is(m.Start(context.Background()), ErrAlreadyStarted), true)
}

func TestManagerCloseReleasesEverything(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, runStore(t), nil)
	m.Close()

	assert.Equal(t, m.Start(context.Background()), nil)
	m.Close()
	m.Close()
	for _, kind := range lists.EventKinds {
		assert.Equal(t, gw.sub(kind).unsubscribed(), 1)
	}
}

func TestManagerPropagatesBulkReadFailure(t *testing.T) {
	failure := &gateway.TransportError{Op: "bulk read", Err: errors.New("connection refused")}
	gw := newFakeGateway()
	gw.readErr = failure
	m := New(gw, runStore(t), nil)

	err := m.Start(context.Background())
	var transportErr *gateway.TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)
	for _, kind := range lists.EventKinds {
		assert.Equal(t, gw.sub(kind).unsubscribed(), 1)
	}
}

func TestManagerKeepsChangesMadeDuringBulkRead(t *testing.T) {
	gw := newFakeGateway(lists.ListItem{ID: "1", Title: "first"}, lists.ListItem{ID: "2", Title: "second"})
	// these land after the subscriptions opened but before the snapshot is dispatched
	gw.onRead = func() {
		gw.sub(lists.Created).events <- lists.Event{Kind: lists.Created, Item: lists.ListItem{ID: "3", Title: "third"}}
		gw.sub(lists.Created).events <- lists.Event{Kind: lists.Created, Item: lists.ListItem{ID: "2", Title: "second"}}
		gw.sub(lists.Deleted).events <- lists.Event{Kind: lists.Deleted, Item: lists.ListItem{ID: "1"}}
	}
	store := runStore(t)
	m := New(gw, store, nil)
	defer m.Close()

	assert.Equal(t, m.Start(context.Background()), nil)
	s := waitFor(t, store, func(s view.State) bool {
		_, hasThird := s.Find("3")
		_, hasFirst := s.Find("1")
		return hasThird && !hasFirst
	})
	assert.Equal(t, titles(s.Items), []string{"third", "second"})
}

func TestManagerReleasesOpenedOnSubscribeFailure(t *testing.T) {
	failure := errors.New("subscription rejected")
	gw := newFakeGateway()
	gw.subscribeErr[lists.Deleted] = failure
	m := New(gw, runStore(t), nil)

	err := m.Start(context.Background())
	assert.Equal(t, errors.Is(err, failure), true)
	for _, kind := range []lists.EventKind{lists.Created, lists.Updated} {
		if sub := gw.sub(kind); sub != nil {
			assert.Equal(t, sub.unsubscribed(), 1)
		}
	}

	// a failed start does not count as the one allowed start
	delete(gw.subscribeErr, lists.Deleted)
	assert.Equal(t, m.Start(context.Background()), nil)
	m.Close()
}
