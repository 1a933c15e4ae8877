// Package gateway accepts WebSocket connections from marketplace clients,
// authenticates and authorizes them, and drives the per-connection receive
// loop that dispatches chat frames. One goroutine per connection; the only
// state shared between connection goroutines is the connection registry.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/hireloop/chat-service/internal/auth"
	"github.com/hireloop/chat-service/internal/messaging"
	"github.com/hireloop/chat-service/internal/metrics"
	"github.com/hireloop/chat-service/internal/moderation"
	"github.com/hireloop/chat-service/internal/presence"
	"github.com/hireloop/chat-service/internal/protocol"
	"github.com/hireloop/chat-service/internal/ratelimit"
	"github.com/hireloop/chat-service/internal/registry"
	"github.com/hireloop/chat-service/internal/store"
)

// Config holds tunable parameters for the gateway server.
type Config struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	MaxConnections  int           // hard cap on total connections
	WriteTimeout    time.Duration // per-frame write deadline
	MaxContentChars int           // max message body length in runes
	HistoryPageSize int           // default history page size
	PresenceRefresh time.Duration // TTL refresh interval for presence keys
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		MaxConnections:  50000,
		WriteTimeout:    10 * time.Second,
		MaxContentChars: 5000,
		HistoryPageSize: 20,
		PresenceRefresh: 30 * time.Second,
	}
}

// FlaggedPublisher publishes moderation events for flagged messages.
// *messaging.Client is the production implementation.
type FlaggedPublisher interface {
	PublishFlagged(ev messaging.FlaggedEvent) error
}

// Deps are the gateway's collaborators. Verifier, Chats, Messages, Registry
// and Filter are required; Limiter, Presence and Events are optional and
// may be nil (the gateway runs without Redis or NATS).
type Deps struct {
	Verifier auth.Verifier
	Chats    store.ChatStore
	Messages store.MessageStore
	Registry *registry.Registry
	Filter   *moderation.Filter
	Limiter  *ratelimit.Limiter
	Presence *presence.Store
	Events   FlaggedPublisher
}

// Server is the chat gateway.
type Server struct {
	config Config

	verifier auth.Verifier
	chats    store.ChatStore
	messages store.MessageStore
	registry *registry.Registry
	filter   *moderation.Filter
	limiter  *ratelimit.Limiter
	presence *presence.Store
	events   FlaggedPublisher

	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a gateway with the given configuration and collaborators.
func NewServer(config Config, d Deps) *Server {
	s := &Server{
		config:   config,
		verifier: d.Verifier,
		chats:    d.Chats,
		messages: d.Messages,
		registry: d.Registry,
		filter:   d.Filter,
		limiter:  d.Limiter,
		presence: d.Presence,
		events:   d.Events,
		done:     make(chan struct{}),
	}
	// A connection evicted for a failed send skips the read loop's teardown
	// path, so the registry reports it here for disconnect bookkeeping.
	s.registry.SetOnEvict(s.afterDisconnect)
	return s
}

// routes builds the gateway's HTTP surface.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{chat_id}", s.handleUpgrade)
	mux.HandleFunc("GET /api/chats/{chat_id}/online", s.handleChatOnline)
	mux.HandleFunc("GET /api/users/{user_id}/status", s.handleUserStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start configures the HTTP server and blocks serving connections until
// Shutdown is called.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.routes(),
	}

	if s.presence != nil {
		go s.refreshPresence()
	}

	log.Printf("gateway: listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: http server: %w", err)
	}
	return nil
}

// handleUpgrade runs the connect sequence: upgrade, authenticate the bearer
// token, authorize chat membership, then register the connection and start
// its receive loop. Authentication and authorization failures look the same
// to the client (a 1008 close) but are logged distinctly.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("chat_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	identity, err := s.verifier.Verify(token)
	if err != nil {
		log.Printf("gateway: authentication failed for chat=%d: %v", chatID, err)
		reject(raw, ws.StatusPolicyViolation, "authentication failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	chat, err := s.chats.GetChatForUser(ctx, chatID, identity.UserID)
	cancel()
	if err != nil {
		log.Printf("gateway: membership check failed user=%d chat=%d: %v", identity.UserID, chatID, err)
		reject(raw, ws.StatusInternalServerError, "membership check failed")
		return
	}
	if chat == nil {
		log.Printf("gateway: authorization failed user=%d chat=%d", identity.UserID, chatID)
		reject(raw, ws.StatusPolicyViolation, "access denied")
		return
	}

	if s.limiter != nil {
		if !s.limiter.Allow(r.Context(), strconv.FormatInt(identity.UserID, 10), ratelimit.RuleConnect) {
			log.Printf("gateway: connect rate limited user=%d", identity.UserID)
			reject(raw, ws.StatusPolicyViolation, "too many connections")
			return
		}
	}

	c := newConn(raw, identity.UserID, chatID, s.config.WriteTimeout)
	wasInChat := s.registry.Register(c)

	if s.presence != nil {
		pctx, pcancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.presence.MarkOnline(pctx, c.UserID()); err != nil {
			log.Printf("gateway: %v", err)
		}
		pcancel()
	}

	ack, err := protocol.NewServerFrame(protocol.TypeConnectionAck, protocol.ConnectionAckOut{
		ChatID: chatID,
		UserID: c.UserID(),
		Status: "connected",
	})
	if err == nil {
		err = c.Send(ack)
	}
	if err != nil {
		log.Printf("gateway: connection ack failed conn=%s: %v", c.ID(), err)
		s.closeConn(c)
		return
	}

	// Tell the rest of the chat the user came online, but only on their
	// first connection into it.
	if !wasInChat {
		s.broadcastStatus(c, protocol.StatusOnline)
	}

	log.Printf("gateway: connected conn=%s user=%d chat=%d (total=%d)",
		c.ID(), c.UserID(), chatID, s.registry.Count())

	go s.readLoop(c)
}

// reject closes a just-upgraded connection that failed the connect sequence,
// before any registry entry exists.
func reject(raw net.Conn, code ws.StatusCode, reason string) {
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	_ = ws.WriteFrame(raw, frame)
	_ = raw.Close()
}

// readLoop blocks on the next inbound frame and dispatches it. Frames from
// one connection are processed strictly in arrival order. Control frames
// are handled by the connection itself so that pong replies hold the same
// write lock as data frames; a close frame or any read error ends the loop
// and the connection.
func (s *Server) readLoop(c *Conn) {
	defer s.closeConn(c)

	rd := &wsutil.Reader{
		Source:         c.raw,
		State:          ws.StateServerSide,
		OnIntermediate: c.handleControl,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}

		start := time.Now()
		s.dispatch(c, data)
		metrics.HandleSeconds.Observe(time.Since(start).Seconds())

		select {
		case <-s.done:
			return
		default:
		}
	}
}

// closeConn finishes a connection's lifecycle. Unregister is idempotent, so
// racing teardown paths are harmless: whichever caller actually removed the
// connection (this one, or the registry evicting it on a failed send) runs
// the disconnect bookkeeping, and everyone else just closes the transport.
func (s *Server) closeConn(c registry.Conn) {
	if !s.registry.Unregister(c) {
		_ = c.Close()
		return
	}
	_ = c.Close()
	s.afterDisconnect(c)
}

// afterDisconnect broadcasts the offline status when the connection was the
// user's last one into the chat, and clears presence when it was their last
// connection anywhere. Called exactly once per registered connection.
func (s *Server) afterDisconnect(c registry.Conn) {
	if !s.registry.UserInChat(c.UserID(), c.ChatID()) {
		s.broadcastStatus(c, protocol.StatusOffline)
	}
	if s.presence != nil && !s.registry.IsUserOnline(c.UserID()) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.presence.MarkOffline(ctx, c.UserID()); err != nil {
			log.Printf("gateway: %v", err)
		}
		cancel()
	}

	log.Printf("gateway: disconnected conn=%s user=%d chat=%d (total=%d)",
		c.ID(), c.UserID(), c.ChatID(), s.registry.Count())
}

// broadcastStatus announces a user going online or offline to the rest of
// the chat.
func (s *Server) broadcastStatus(c registry.Conn, status string) {
	frame, err := protocol.NewServerFrame(protocol.TypeUserStatus, protocol.UserStatusOut{
		ChatID: c.ChatID(),
		UserID: c.UserID(),
		Status: status,
	})
	if err != nil {
		log.Printf("gateway: build user-status frame: %v", err)
		return
	}
	s.registry.Broadcast(c.ChatID(), frame, c.UserID())
}

// refreshPresence renews presence TTLs for every connected user until
// shutdown.
func (s *Server) refreshPresence() {
	ticker := time.NewTicker(s.config.PresenceRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.presence.Refresh(ctx, s.registry.AllUsers()); err != nil {
				log.Printf("gateway: %v", err)
			}
			cancel()
		}
	}
}

// handleChatOnline reports which users currently hold a live connection to
// the chat. Used by the REST layer.
func (s *Server) handleChatOnline(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("chat_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return
	}

	users := s.registry.OnlineUsers(chatID)
	resp := struct {
		ChatID          int64   `json:"chat_id"`
		OnlineUsers     []int64 `json:"online_users"`
		ConnectionCount int     `json:"connection_count"`
	}{
		ChatID:          chatID,
		OnlineUsers:     users,
		ConnectionCount: s.registry.CountInChat(chatID),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleUserStatus reports whether a single user is online.
func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	resp := struct {
		UserID   int64 `json:"user_id"`
		IsOnline bool  `json:"is_online"`
	}{
		UserID:   userID,
		IsOnline: s.registry.IsUserOnline(userID),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleHealth responds with connection count and uptime for load balancer
// checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown stops accepting connections and closes every live one with a
// going-away frame.
func (s *Server) Shutdown() error {
	log.Println("gateway: shutting down...")
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("gateway: http shutdown: %v", err)
	}

	for _, c := range s.registry.AllConns() {
		if wc, ok := c.(*Conn); ok {
			_ = wc.CloseWithStatus(ws.StatusGoingAway, "server shutting down")
		} else {
			_ = c.Close()
		}
		s.registry.Unregister(c)
	}

	log.Printf("gateway: stopped, all connections closed")
	return nil
}
