package wire

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/astromechza/listsync/pkg/lists"
)

// Frame is the binary websocket message carrying one event. Struct fields without a cbor tag fall back to their json
// tag, so ListItem encodes with the same names as the HTTP API.
type Frame struct {
	Kind lists.EventKind `cbor:"kind"`
	Item lists.ListItem  `cbor:"item"`
}

const writeWait = 5 * time.Second

// ReadFrame blocks until the next binary message arrives and decodes it. Other message types are skipped.
func ReadFrame(conn *websocket.Conn) (lists.Event, error) {
	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return lists.Event{}, fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.BinaryMessage:
			var f Frame
			if err := cbor.Unmarshal(p, &f); err != nil {
				return lists.Event{}, fmt.Errorf("failed to decode frame: %w", err)
			}
			return lists.Event{Kind: f.Kind, Item: f.Item}, nil
		default:
		}
	}
}

func WriteFrame(conn *websocket.Conn, event lists.Event) error {
	raw, err := cbor.Marshal(Frame{Kind: event.Kind, Item: event.Item})
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Serve writes every event to the connection and pings it on the given interval. It returns when the context is
// done, the events channel closes, or the peer goes away. The connection is closed on return.
func Serve(
	ctx context.Context,
	conn *websocket.Conn,
	events <-chan lists.Event,
	pingInterval time.Duration,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		// Reads only exist to process control frames and spot the peer closing.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				slog.Debug("subscriber connection closed", "err", err)
				return
			}
		}
	}()

	t := time.NewTicker(pingInterval)
	defer t.Stop()

	var err error
loop:
	for {
		select {
		case event, ok := <-events:
			if !ok {
				break loop
			}
			if err = WriteFrame(conn, event); err != nil {
				break loop
			}
		case <-t.C:
			if err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				err = fmt.Errorf("failed to ping: %w", err)
				break loop
			}
		case <-ctx.Done():
			break loop
		}
	}

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	_ = conn.Close()
	wg.Wait()
	return err
}
