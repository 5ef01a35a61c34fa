package gateway

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/listsync/pkg/auth"
	"github.com/astromechza/listsync/pkg/backend"
	"github.com/astromechza/listsync/pkg/lists"
)

func startBackend(t *testing.T, secret []byte) *url.URL {
	t.Helper()
	return startBackendWith(t, secret, nil)
}

func startBackendWith(t *testing.T, secret []byte, wrap func(http.Handler) http.Handler) *url.URL {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "lists.sqlite3"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := backend.Open(context.Background(), db)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	handler := backend.NewServer(store, backend.NewHub(), secret, time.Second).Handler()
	if wrap != nil {
		handler = wrap(handler)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("failed to parse url: %v", err)
	}
	return u
}

func nextEvent(t *testing.T, sub Subscription) lists.Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return lists.Event{}
}

func TestRemoteRoundTrip(t *testing.T) {
	ctx := context.Background()
	remote := NewRemote(startBackend(t, nil), "", nil)

	items, err := remote.BulkRead(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(items), 0)

	created, err := remote.Create(ctx, lists.ListItem{Title: "Camping", ListItems: []lists.Entry{{ID: "1", Name: "tent"}}})
	assert.Equal(t, err, nil)
	assert.Equal(t, created.Title, "Camping")

	created.Title = "Camping trip"
	updated, err := remote.Update(ctx, created)
	assert.Equal(t, err, nil)
	assert.Equal(t, updated.Title, "Camping trip")
	assert.Equal(t, updated.ListItems, []lists.Entry{{ID: "1", Name: "tent"}})

	items, err = remote.BulkRead(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(items), 1)

	assert.Equal(t, remote.Delete(ctx, created.ID), nil)

	err = remote.Delete(ctx, created.ID)
	var transportErr *TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)
	assert.Equal(t, transportErr.Op, "delete")
}

func TestRemoteSubscriptions(t *testing.T) {
	ctx := context.Background()
	remote := NewRemote(startBackend(t, nil), "", nil)

	created, err := remote.Subscribe(ctx, lists.Created)
	assert.Equal(t, err, nil)
	defer created.Unsubscribe()
	updated, err := remote.Subscribe(ctx, lists.Updated)
	assert.Equal(t, err, nil)
	defer updated.Unsubscribe()
	deleted, err := remote.Subscribe(ctx, lists.Deleted)
	assert.Equal(t, err, nil)
	defer deleted.Unsubscribe()

	_, err = remote.Create(ctx, lists.ListItem{Title: "Books"})
	assert.Equal(t, err, nil)
	event := nextEvent(t, created)
	assert.Equal(t, event.Kind, lists.Created)
	item := event.Item
	assert.Equal(t, item.Title, "Books")

	item.Title = "Novels"
	_, err = remote.Update(ctx, item)
	assert.Equal(t, err, nil)
	assert.Equal(t, nextEvent(t, updated).Item.Title, "Novels")

	assert.Equal(t, remote.Delete(ctx, item.ID), nil)
	assert.Equal(t, nextEvent(t, deleted).Item.ID, item.ID)
}

func TestRemoteUnsubscribeClosesEvents(t *testing.T) {
	remote := NewRemote(startBackend(t, nil), "", nil)
	sub, err := remote.Subscribe(context.Background(), lists.Deleted)
	assert.Equal(t, err, nil)

	sub.Unsubscribe()
	sub.Unsubscribe()
	_, ok := <-sub.Events()
	assert.Equal(t, ok, false)
}

func TestRemoteAuthentication(t *testing.T) {
	secret := []byte("s3cret")
	base := startBackend(t, secret)

	_, err := NewRemote(base, "", nil).BulkRead(context.Background())
	var transportErr *TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)

	_, err = NewRemote(base, "", nil).Subscribe(context.Background(), lists.Created)
	assert.Equal(t, errors.As(err, &transportErr), true)

	token, err := auth.Issue(secret, "alice", time.Hour, time.Now())
	assert.Equal(t, err, nil)
	authed := NewRemote(base, token, nil)
	_, err = authed.BulkRead(context.Background())
	assert.Equal(t, err, nil)
	sub, err := authed.Subscribe(context.Background(), lists.Created)
	assert.Equal(t, err, nil)
	sub.Unsubscribe()
}

func TestRemoteUnreachable(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:1")
	remote := NewRemote(u, "", nil)
	_, err := remote.BulkRead(context.Background())
	var transportErr *TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)
	assert.Equal(t, transportErr.Op, "bulk read")
}

// subscriptionSwitch drops every open subscription on the server side and refuses new ones while down.
type subscriptionSwitch struct {
	lock    sync.Mutex
	down    bool
	active  int
	cancels []context.CancelFunc
}

func (s *subscriptionSwitch) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if !strings.HasPrefix(request.URL.Path, "/subscribe/") {
			next.ServeHTTP(writer, request)
			return
		}
		s.lock.Lock()
		if s.down {
			s.lock.Unlock()
			http.Error(writer, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithCancel(request.Context())
		s.cancels = append(s.cancels, cancel)
		s.active++
		s.lock.Unlock()
		defer func() {
			s.lock.Lock()
			s.active--
			s.lock.Unlock()
		}()
		next.ServeHTTP(writer, request.WithContext(ctx))
	})
}

func (s *subscriptionSwitch) setDown(t *testing.T, down bool) {
	t.Helper()
	s.lock.Lock()
	s.down = down
	if down {
		for _, cancel := range s.cancels {
			cancel()
		}
		s.cancels = nil
	}
	s.lock.Unlock()
	if !down {
		return
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.lock.Lock()
		active := s.active
		s.lock.Unlock()
		if active == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server side subscriptions did not stop")
}

func TestRemoteReplaysListsCreatedWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	sw := &subscriptionSwitch{}
	remote := NewRemote(startBackendWith(t, nil, sw.wrap), "", nil)
	remote.InitialBackoff = 20 * time.Millisecond
	remote.MaxBackoff = 100 * time.Millisecond

	created, err := remote.Subscribe(ctx, lists.Created)
	assert.Equal(t, err, nil)
	defer created.Unsubscribe()

	sw.setDown(t, true)
	item, err := remote.Create(ctx, lists.ListItem{Title: "Offline"})
	assert.Equal(t, err, nil)
	sw.setDown(t, false)

	event := nextEvent(t, created)
	assert.Equal(t, event.Kind, lists.Created)
	assert.Equal(t, event.Item.ID, item.ID)
	assert.Equal(t, event.Item.Title, "Offline")
}

func TestRemoteRedialsSilentServer(t *testing.T) {
	var dials atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.Add(1)
		// never writes anything, pings included
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	assert.Equal(t, err, nil)

	remote := NewRemote(u, "", nil)
	remote.ReadTimeout = 100 * time.Millisecond
	remote.InitialBackoff = 20 * time.Millisecond
	remote.MaxBackoff = 50 * time.Millisecond
	sub, err := remote.Subscribe(context.Background(), lists.Updated)
	assert.Equal(t, err, nil)
	defer sub.Unsubscribe()

	deadline := time.Now().Add(5 * time.Second)
	for dials.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, dials.Load() >= 2, true)
}
