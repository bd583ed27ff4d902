// Package realtime provides components for managing real-time client
// connections: the WebSocket server, the per-instance connection table,
// and the local delivery end of the relay.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/platform/auth"
)

// DefaultSendBuffer is the per-connection outbound buffer size.
const DefaultSendBuffer = 64

// Registrar is the shared-store registry contract the manager keeps in
// sync with its local connection table.
type Registrar interface {
	Register(ctx context.Context, userID, connectionID string) error
	Unregister(ctx context.Context, userID, connectionID string) error
	Renew(ctx context.Context, userID string, connectionIDs []string) error
}

// pushFrame is the JSON shape written to client transports.
type pushFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ConnectionManager owns every WebSocket connection accepted by this
// instance. It runs its own dedicated HTTP server, mirrors connection
// lifecycle into the shared registry, renews registrations on a keep-alive
// interval, and implements the relay's local delivery end.
type ConnectionManager struct {
	server        *http.Server
	upgrader      websocket.Upgrader
	registry      Registrar
	instanceID    string
	renewInterval time.Duration
	sendBuffer    int
	logger        zerolog.Logger

	mu    sync.RWMutex
	conns map[string]map[string]*client // userID -> connectionID -> client

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnectionManager creates and wires up a new WebSocket connection
// manager listening on the given port.
func NewConnectionManager(
	port string,
	authMiddleware func(http.Handler) http.Handler,
	registry Registrar,
	renewInterval time.Duration,
	logger zerolog.Logger,
) (*ConnectionManager, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if authMiddleware == nil {
		return nil, fmt.Errorf("auth middleware cannot be nil")
	}
	if renewInterval <= 0 {
		renewInterval = 20 * time.Second
	}

	instanceID := uuid.NewString()
	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Implement a real origin check
				return true
			},
		},
		registry:      registry,
		instanceID:    instanceID,
		renewInterval: renewInterval,
		sendBuffer:    DefaultSendBuffer,
		logger:        logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger(),
		conns:         make(map[string]map[string]*client),
		stopCh:        make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", authMiddleware(http.HandlerFunc(cm.connectHandler)))
	cm.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	return cm, nil
}

// InstanceID returns the unique identifier of this server process.
func (cm *ConnectionManager) InstanceID() string { return cm.instanceID }

// Start runs the keep-alive loop and the HTTP server for WebSocket
// connections. It blocks until the server stops.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	cm.wg.Add(1)
	go cm.renewLoop()

	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and closes every connection.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	cm.stopOnce.Do(func() { close(cm.stopCh) })

	var finalErr error
	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		finalErr = err
	}

	cm.mu.Lock()
	for _, userConns := range cm.conns {
		for _, cl := range userConns {
			cl.close()
		}
	}
	cm.mu.Unlock()

	cm.wg.Wait()
	cm.logger.Info().Msg("WebSocket service shut down.")
	return finalErr
}

// connectHandler upgrades a new HTTP request to a WebSocket and manages
// its lifecycle. Registration happens before the connection is usable; if
// the shared store is unreachable the connection is rejected rather than
// accepted with invisible presence.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	connectionID := uuid.NewString()

	if err := cm.registry.Register(r.Context(), userID, connectionID); err != nil {
		cm.logger.Error().Err(err).Str("user", userID).Msg("Registration failed, rejecting connection.")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		cm.unregister(userID, connectionID)
		return
	}

	cl := newClient(connectionID, userID, conn, cm.sendBuffer, cm.logger)
	cm.add(cl)
	cm.logger.Info().Str("user", userID).Str("conn", connectionID).Msg("User connected via WebSocket.")

	go cl.writePump()
	cl.readPump() // blocks until disconnect

	cm.remove(cl)
	cm.unregister(userID, connectionID)
	cm.logger.Info().Str("user", userID).Str("conn", connectionID).Msg("User disconnected.")
}

// DeliverLocal pushes an event to every local connection held for the
// target user and returns how many accepted it. Connections whose send
// buffer is full are dropped; the client is expected to reconnect and
// recover via the durable path.
func (cm *ConnectionManager) DeliverLocal(targetUserID, eventName string, payload json.RawMessage) int {
	frame, err := json.Marshal(pushFrame{Event: eventName, Payload: payload})
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to marshal push frame.")
		return 0
	}

	cm.mu.RLock()
	targets := make([]*client, 0, len(cm.conns[targetUserID]))
	for _, cl := range cm.conns[targetUserID] {
		targets = append(targets, cl)
	}
	cm.mu.RUnlock()

	delivered := 0
	for _, cl := range targets {
		if cl.enqueue(frame) {
			delivered++
			continue
		}
		cm.logger.Warn().Str("user", cl.userID).Str("conn", cl.id).
			Msg("Send buffer full, dropping slow connection.")
		cl.close()
	}
	return delivered
}

// LocalConnectionsFor returns the IDs of this instance's live connections
// for a user.
func (cm *ConnectionManager) LocalConnectionsFor(userID string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ids := make([]string, 0, len(cm.conns[userID]))
	for id := range cm.conns[userID] {
		ids = append(ids, id)
	}
	return ids
}

// LocalConnectionCount returns the number of live connections on this
// instance, for the operational surface.
func (cm *ConnectionManager) LocalConnectionCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	total := 0
	for _, userConns := range cm.conns {
		total += len(userConns)
	}
	return total
}

// renewLoop keeps every local registration alive in the shared store. A
// connection whose renewal keeps failing eventually lapses server-side and
// is cleared by the reconciler, which matches the crash behavior.
func (cm *ConnectionManager) renewLoop() {
	defer cm.wg.Done()
	ticker := time.NewTicker(cm.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.stopCh:
			return
		case <-ticker.C:
			cm.mu.RLock()
			byUser := make(map[string][]string, len(cm.conns))
			for userID, userConns := range cm.conns {
				for id := range userConns {
					byUser[userID] = append(byUser[userID], id)
				}
			}
			cm.mu.RUnlock()

			ctx, cancel := context.WithTimeout(context.Background(), cm.renewInterval)
			for userID, ids := range byUser {
				if err := cm.registry.Renew(ctx, userID, ids); err != nil {
					cm.logger.Warn().Err(err).Str("user", userID).Msg("Keep-alive renewal failed.")
				}
			}
			cancel()
		}
	}
}

func (cm *ConnectionManager) add(cl *client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	userConns, ok := cm.conns[cl.userID]
	if !ok {
		userConns = make(map[string]*client)
		cm.conns[cl.userID] = userConns
	}
	userConns[cl.id] = cl
}

func (cm *ConnectionManager) remove(cl *client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	userConns, ok := cm.conns[cl.userID]
	if !ok {
		return
	}
	delete(userConns, cl.id)
	if len(userConns) == 0 {
		delete(cm.conns, cl.userID)
	}
}

func (cm *ConnectionManager) unregister(userID, connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cm.registry.Unregister(ctx, userID, connectionID); err != nil {
		cm.logger.Error().Err(err).Str("user", userID).Msg("Failed to unregister connection; TTL expiry will clean up.")
	}
}
