// Package server exposes the network control plane over websockets. Each
// connection submits JSON commands and receives correlated responses plus
// broadcast events.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"zigbee-ws-server/internal/controller"
)

const maxMessageSize = 1 << 16

// ServerOption configures the websocket server.
type ServerOption func(*Server)

// WithAllowedOrigins sets allowed websocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// Server is the websocket control-plane server.
type Server struct {
	ctrl           *controller.Controller
	hub            *Hub
	dispatcher     *Dispatcher
	logger         *slog.Logger
	mux            *http.ServeMux
	allowedOrigins []string

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer creates a websocket server bound to a controller.
func NewServer(ctrl *controller.Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctrl:   ctrl,
		logger: logger.With("component", "server"),
		mux:    http.NewServeMux(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = NewHub(logger)
	s.dispatcher = newDispatcher(ctx, s.hub, logger)
	s.registerCommands(s.dispatcher)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	// Fan controller and registry events out to every subscribed connection.
	s.unsubEvents = ctrl.Events().OnAll(func(event controller.Event) {
		s.hub.Broadcast(event)
	})

	s.mux.HandleFunc("GET /ws", s.handleWS)
	return s
}

// Stop shuts the server down: no new connections, in-flight handlers are
// waited for, remaining connections are closed.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.cancel()
	s.dispatcher.wait()
	s.hub.Stop()
	s.wg.Wait()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)

	client := newClient(conn)
	if !s.hub.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	s.logger.Info("client connected", "client", client.ID(), "remote", r.RemoteAddr)

	go s.writePump(client)
	s.readPump(client)
}

// writePump drains the client's send queue onto the wire. It exits when the
// hub closes the queue, which also closes the connection.
func (s *Server) writePump(client *Client) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Queue closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// readPump consumes inbound messages until disconnect and hands each one to
// the dispatcher. Handlers run on their own goroutines, so a slow command
// never stalls this loop.
func (s *Server) readPump(client *Client) {
	defer func() {
		s.hub.drop(client)
		s.logger.Info("client disconnected", "client", client.ID())
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel the read when the server shuts down.
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.dispatcher.Handle(client, data)
	}
}
