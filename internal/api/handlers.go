// Package api defines the HTTP handlers for the delivery service: the
// send entry point invoked by the surrounding application logic, and the
// operational surface consumed by health checks.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-delivery-service/internal/deliveryqueue"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

const maxSendBodyBytes = 256 * 1024

// Dispatcher is the sender pipeline entry point.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev delivery.Event, recipientUserIDs []string) (delivery.DispatchResult, error)
}

// QueueStatsReader exposes the delivery queue counters.
type QueueStatsReader interface {
	Stats(ctx context.Context) (deliveryqueue.Stats, error)
}

// PresenceReader exposes the cluster-wide presence counters.
type PresenceReader interface {
	OnlineCount(ctx context.Context) (int64, error)
}

// ConnectionCounter exposes this instance's local connection count.
type ConnectionCounter interface {
	LocalConnectionCount() int
}

// API holds the handlers and their dependencies.
type API struct {
	store      delivery.EventStore
	dispatcher Dispatcher
	queue      QueueStatsReader
	presence   PresenceReader
	conns      ConnectionCounter
	logger     *slog.Logger
}

// NewAPI creates the handler set.
func NewAPI(
	store delivery.EventStore,
	dispatcher Dispatcher,
	queue QueueStatsReader,
	presence PresenceReader,
	conns ConnectionCounter,
	logger *slog.Logger,
) *API {
	return &API{
		store:      store,
		dispatcher: dispatcher,
		queue:      queue,
		presence:   presence,
		conns:      conns,
		logger:     logger.With("component", "API"),
	}
}

// sendRequest is the body of POST /api/send.
type sendRequest struct {
	EventID    string          `json:"eventId"`
	EventName  string          `json:"eventName"`
	Payload    json.RawMessage `json:"payload"`
	Recipients []string        `json:"recipients"`
	Priority   int             `json:"priority"`
}

// SendHandler persists the event and runs the sender pipeline. The
// response carries the per-recipient outcome; queued deliveries complete
// asynchronously, so the caller can acknowledge the sender immediately.
func (a *API) SendHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSendBodyBytes))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.EventID == "" || req.EventName == "" || len(req.Recipients) == 0 {
		http.Error(w, "eventId, eventName and recipients are required", http.StatusBadRequest)
		return
	}

	ev := delivery.Event{
		ID:       req.EventID,
		Name:     req.EventName,
		Payload:  req.Payload,
		Priority: req.Priority,
	}

	if err := a.store.StoreEvent(r.Context(), ev, req.Recipients); err != nil {
		a.logger.Error("Failed to persist event", "event_id", ev.ID, "err", err)
		http.Error(w, "Failed to persist event", http.StatusInternalServerError)
		return
	}

	result, err := a.dispatcher.Dispatch(r.Context(), ev, req.Recipients)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.writeJSON(w, http.StatusAccepted, result)
}

// statsResponse is the operational surface shape.
type statsResponse struct {
	Queue            deliveryqueue.Stats `json:"queue"`
	OnlineUsers      int64               `json:"onlineUsers"`
	LocalConnections int                 `json:"localConnections"`
}

// StatsHandler reports queue counters, cluster-wide online users, and this
// instance's local connection count.
func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.queue.Stats(r.Context())
	if err != nil {
		a.logger.Error("Failed to read queue stats", "err", err)
		http.Error(w, "Failed to read queue stats", http.StatusInternalServerError)
		return
	}
	online, err := a.presence.OnlineCount(r.Context())
	if err != nil {
		a.logger.Error("Failed to count online users", "err", err)
		http.Error(w, "Failed to count online users", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, statsResponse{
		Queue:            stats,
		OnlineUsers:      online,
		LocalConnections: a.conns.LocalConnectionCount(),
	})
}

// HealthzHandler is the liveness probe.
func (a *API) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("Failed to write response", "err", err)
	}
}
