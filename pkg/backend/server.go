package backend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/listsync/pkg/auth"
	"github.com/astromechza/listsync/pkg/lists"
	"github.com/astromechza/listsync/pkg/wire"
)

const defaultPingInterval = 15 * time.Second

// Server exposes a Store over HTTP. Every successful mutation reaches the Hub from inside the store.
type Server struct {
	store        *Store
	hub          *Hub
	secret       []byte
	pingInterval time.Duration
}

// NewServer builds a server and routes the store's committed mutations to the hub. An empty secret turns
// authentication off.
func NewServer(store *Store, hub *Hub, secret []byte, pingInterval time.Duration) *Server {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	store.OnChange(hub.Publish)
	return &Server{store: store, hub: hub, secret: secret, pingInterval: pingInterval}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())

	api := r.NewRoute().Subrouter()
	api.Use(s.authenticate)
	api.Methods(http.MethodGet).Path("/lists").HandlerFunc(s.listLists)
	api.Methods(http.MethodPost).Path("/lists").HandlerFunc(s.createList)
	api.Methods(http.MethodPut).Path("/lists/{id}").HandlerFunc(s.updateList)
	api.Methods(http.MethodDelete).Path("/lists/{id}").HandlerFunc(s.deleteList)
	api.Methods(http.MethodGet).Path("/subscribe/{kind}").HandlerFunc(s.subscribe)
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if len(s.secret) == 0 {
			next.ServeHTTP(writer, request)
			return
		}
		subject, err := auth.Verify(s.secret, auth.FromRequest(request))
		if err != nil {
			slog.Info("rejected request", "url", request.URL.Path, "err", err)
			writeError(writer, http.StatusUnauthorized, "unauthorized")
			return
		}
		slog.Debug("authenticated", "subject", subject)
		next.ServeHTTP(writer, request)
	})
}

func (s *Server) listLists(writer http.ResponseWriter, _ *http.Request) {
	items, err := s.store.List()
	if err != nil {
		slog.Error("failed to list", "err", err)
		writeError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(writer, http.StatusOK, items)
}

func (s *Server) createList(writer http.ResponseWriter, request *http.Request) {
	var input lists.ListItem
	if err := json.NewDecoder(request.Body).Decode(&input); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid body")
		return
	}
	item, err := s.store.Create(input)
	if err != nil {
		s.writeStoreError(writer, err)
		return
	}
	writeJSON(writer, http.StatusCreated, item)
}

func (s *Server) updateList(writer http.ResponseWriter, request *http.Request) {
	var input lists.ListItem
	if err := json.NewDecoder(request.Body).Decode(&input); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid body")
		return
	}
	input.ID = mux.Vars(request)["id"]
	item, err := s.store.Update(input)
	if err != nil {
		s.writeStoreError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, item)
}

func (s *Server) deleteList(writer http.ResponseWriter, request *http.Request) {
	if _, err := s.store.Delete(mux.Vars(request)["id"]); err != nil {
		s.writeStoreError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) subscribe(writer http.ResponseWriter, request *http.Request) {
	kind, err := lists.ParseEventKind(mux.Vars(request)["kind"])
	if err != nil {
		writeError(writer, http.StatusNotFound, err.Error())
		return
	}

	// join the hub before the handshake completes so the client never misses an event after Subscribe returns
	sub := s.hub.Subscribe(kind)
	defer sub.Close()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	slog.Info("subscribed", "kind", kind, "remote", request.RemoteAddr)
	if err := wire.Serve(request.Context(), conn, sub.Events(), s.pingInterval); err != nil {
		slog.Info("subscription ended", "kind", kind, "err", err)
	}
}

func (s *Server) writeStoreError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(writer, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrTitleRequired):
		writeError(writer, http.StatusBadRequest, err.Error())
	default:
		slog.Error("store operation failed", "err", err)
		writeError(writer, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, map[string]string{"error": message})
}
