package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/astromechza/listsync/pkg/auth"
	"github.com/astromechza/listsync/pkg/lists"
	"github.com/astromechza/listsync/pkg/wire"
)

// Remote talks to a listsync server: JSON over HTTP for reads and mutations, websockets for subscriptions.
type Remote struct {
	baseUrl *url.URL
	token   string
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ReadTimeout is how long a subscription may stay silent, pings included, before it is treated as dropped.
	ReadTimeout time.Duration
}

func NewRemote(baseUrl *url.URL, token string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		baseUrl:        baseUrl,
		token:          token,
		client:         &http.Client{Timeout: 30 * time.Second},
		dialer:         websocket.DefaultDialer,
		logger:         logger,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		ReadTimeout:    45 * time.Second,
	}
}

func (r *Remote) BulkRead(ctx context.Context) ([]lists.ListItem, error) {
	var out []lists.ListItem
	if err := r.do(ctx, "bulk read", http.MethodGet, r.baseUrl.JoinPath("lists"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) Create(ctx context.Context, item lists.ListItem) (lists.ListItem, error) {
	var out lists.ListItem
	if err := r.do(ctx, "create", http.MethodPost, r.baseUrl.JoinPath("lists"), item, &out); err != nil {
		return lists.ListItem{}, err
	}
	return out, nil
}

func (r *Remote) Update(ctx context.Context, item lists.ListItem) (lists.ListItem, error) {
	var out lists.ListItem
	if err := r.do(ctx, "update", http.MethodPut, r.baseUrl.JoinPath("lists", item.ID), item, &out); err != nil {
		return lists.ListItem{}, err
	}
	return out, nil
}

func (r *Remote) Delete(ctx context.Context, id string) error {
	return r.do(ctx, "delete", http.MethodDelete, r.baseUrl.JoinPath("lists", id), nil, nil)
}

func (r *Remote) do(ctx context.Context, op, method string, u *url.URL, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return transportError(op, fmt.Errorf("failed to encode body: %w", err))
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return transportError(op, fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth.SetHeader(req.Header, r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var problem struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&problem)
		return transportError(op, fmt.Errorf("unexpected status code: %d %s", resp.StatusCode, problem.Error))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return transportError(op, fmt.Errorf("failed to read body: %w", err))
		}
	}
	return nil
}

// Subscribe dials the subscription endpoint for the kind and returns once the first connection is up. After that
// the connection is re-dialled with exponential backoff whenever it drops, until Unsubscribe. A re-dialled created
// subscription replays the current lists as created events, which also carries any update made during the gap.
// Deletions made during the gap are not replayed.
func (r *Remote) Subscribe(ctx context.Context, kind lists.EventKind) (Subscription, error) {
	u := r.baseUrl.JoinPath("subscribe", string(kind))
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, err := r.dial(ctx, u)
	if err != nil {
		return nil, transportError("subscribe "+string(kind), err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &remoteSubscription{
		remote: r,
		url:    u,
		kind:   kind,
		events: make(chan lists.Event),
		cancel: cancel,
		done:   make(chan struct{}),
		conn:   conn,
	}
	go sub.loop(subCtx)
	return sub, nil
}

func (r *Remote) dial(ctx context.Context, u *url.URL) (*websocket.Conn, error) {
	header := http.Header{}
	auth.SetHeader(header, r.token)
	conn, resp, err := r.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return conn, nil
}

type remoteSubscription struct {
	remote *Remote
	url    *url.URL
	kind   lists.EventKind
	events chan lists.Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	lock sync.Mutex
	conn *websocket.Conn
}

func (s *remoteSubscription) Events() <-chan lists.Event {
	return s.events
}

// Unsubscribe stops the subscription and waits until the events channel has been closed.
func (s *remoteSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.lock.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.lock.Unlock()
	})
	<-s.done
}

func (s *remoteSubscription) loop(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.remote.InitialBackoff
	b.MaxInterval = s.remote.MaxBackoff

	for {
		s.lock.Lock()
		conn := s.conn
		s.lock.Unlock()

		if conn != nil {
			err := s.read(ctx, conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			s.remote.logger.Warn("subscription disconnected", "kind", s.kind, "err", err)
		}

		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		conn, err := s.remote.dial(ctx, s.url)
		if err != nil {
			s.remote.logger.Warn("failed to resubscribe", "kind", s.kind, "err", err, "backoff", wait)
			conn = nil
		} else {
			s.remote.logger.Info("resubscribed", "kind", s.kind)
			b.Reset()
		}
		s.lock.Lock()
		if ctx.Err() != nil && conn != nil {
			_ = conn.Close()
			conn = nil
		}
		s.conn = conn
		s.lock.Unlock()

		if conn != nil && s.kind == lists.Created {
			if err := s.replay(ctx); err != nil && ctx.Err() == nil {
				s.remote.logger.Warn("failed to replay lists after resubscribing", "err", err)
			}
		}
	}
}

// replay emits every current list as a created event. The subscription is already live, so nothing created after
// the read is missed; a list seen twice is upserted by the receiver.
func (s *remoteSubscription) replay(ctx context.Context) error {
	items, err := s.remote.BulkRead(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		select {
		case s.events <- lists.Event{Kind: lists.Created, Item: item}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.remote.logger.Info("replayed lists", "count", len(items))
	return nil
}

func (s *remoteSubscription) read(ctx context.Context, conn *websocket.Conn) error {
	timeout := s.remote.ReadTimeout
	extend := func() {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
	}
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		event, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		extend()
		if event.Kind != s.kind {
			continue
		}
		select {
		case s.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
