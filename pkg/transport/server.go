package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
)

// Dispatcher is the slice of the router the transport needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *models.Event, origin router.Origin) ([]any, error)
	DropSubscriber(subscriberID string)
}

// Server accepts local stream connections and shuttles frames between
// clients and the router.
type Server struct {
	socketPath string
	dispatcher Dispatcher
	inboundCap int

	mu      sync.RWMutex
	clients map[string]*client

	ln       net.Listener
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// client is one live connection. outbound is drained by a single writer
// goroutine; every reply and every subscription frame goes through it.
type client struct {
	id       string
	conn     net.Conn
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// send queues a frame for the writer goroutine. Returns false when the
// client is gone or its outbound queue is saturated.
func (c *client) send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbound <- frame:
		return true
	case <-c.closed:
		return false
	}
}

// NewServer creates a transport server. inboundCap bounds each connection's
// in-flight request channel; clients overrunning it receive busy errors.
func NewServer(socketPath string, dispatcher Dispatcher, inboundCap int) *Server {
	if inboundCap <= 0 {
		inboundCap = 64
	}
	return &Server{
		socketPath: socketPath,
		dispatcher: dispatcher,
		inboundCap: inboundCap,
		clients:    make(map[string]*client),
		stopCh:     make(chan struct{}),
	}
}

// Serve listens on the unix socket and accepts connections until ctx is
// done or Stop is called. A stale socket file from a previous run is
// removed before binding.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.ln = ln
	defer ln.Close()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		}
		_ = ln.Close()
	}()

	slog.Info("Transport listening", "socket", s.socketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.stopCh:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Stop closes the listener and every live connection, then waits.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ActiveClients returns the number of connected clients.
func (s *Server) ActiveClients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Attach streams a subscription's events to the owning client. It spawns a
// goroutine that drains the subscription queue into the client's outbound
// channel; it exits when either side closes. Implements the monitor
// service's stream sink.
func (s *Server) Attach(clientID string, sub *router.Subscription) error {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return models.NewError(models.KindNotFound, "client %s is not connected", clientID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case ev := <-sub.Events():
				frame, err := MarshalFrame(ev)
				if err != nil {
					slog.Warn("Dropping unmarshalable stream event",
						"client_id", clientID, "event", ev.Name, "error", err)
					continue
				}
				if !c.send(frame) {
					return
				}
			case <-sub.Done():
				return
			case <-c.closed:
				return
			}
		}
	}()
	return nil
}

// handleConnection owns one client for its lifetime: register, spawn the
// writer and the request workers, run the read loop, clean up.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	c := &client{
		id:       uuid.New().String(),
		conn:     conn,
		outbound: make(chan []byte, s.inboundCap*2),
		closed:   make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	log := slog.With("client_id", c.id)
	log.Info("Client connected")

	defer func() {
		c.close()
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		// Subscriptions die with the connection.
		s.dispatcher.DropSubscriber(c.id)
		log.Info("Client disconnected")
	}()

	// Writer: the only goroutine that touches conn for writes.
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for {
			select {
			case frame := <-c.outbound:
				if _, err := conn.Write(frame); err != nil {
					c.close()
					return
				}
			case <-c.closed:
				return
			}
		}
	}()
	defer writerWG.Wait()
	defer c.close()

	// Bounded inbound channel plus request workers give the client
	// pipelining without letting it flood the router.
	inbound := make(chan *requestFrame, s.inboundCap)
	var workerWG sync.WaitGroup
	workerWG.Add(1)
	go func() {
		defer workerWG.Done()
		for req := range inbound {
			s.serveRequest(ctx, c, req)
		}
	}()
	defer workerWG.Wait()
	defer close(inbound)

	// Read loop.
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("Read failed, closing connection", "error", err)
			}
			return
		}

		var req requestFrame
		if err := json.Unmarshal(payload, &req); err != nil {
			s.sendError(c, models.NewError(models.KindInvalidArgument, "malformed frame: %v", err))
			continue
		}

		select {
		case inbound <- &req:
		default:
			// Inbound channel full: the client is overrunning us.
			s.sendError(c, models.NewError(models.KindCapacity, "busy"))
		}
	}
}

// serveRequest dispatches one request and writes the reply frame: a single
// handler's result object, an array for multiple handlers, or one error
// frame. Every inbound frame is stamped with the connection's client id.
func (s *Server) serveRequest(ctx context.Context, c *client, req *requestFrame) {
	results, err := s.dispatcher.Dispatch(ctx, &models.Event{
		Name: req.Event,
		Data: req.Data,
	}, router.Origin{ClientID: c.id})
	if err != nil {
		s.sendError(c, models.AsError(err))
		return
	}

	var body any
	switch len(results) {
	case 1:
		body = results[0]
	default:
		body = results
	}
	frame, merr := MarshalFrame(body)
	if merr != nil {
		s.sendError(c, models.WrapError(models.KindInternal, merr, "unencodable result"))
		return
	}
	c.send(frame)
}

func (s *Server) sendError(c *client, err *models.Error) {
	frame, merr := MarshalFrame(errorFrame{Error: errorBody{
		Kind:          string(err.Kind),
		Message:       err.Message,
		Retryable:     err.Retryable,
		CorrelationID: err.CorrelationID,
	}})
	if merr != nil {
		slog.Error("Failed to encode error frame", "error", merr)
		return
	}
	c.send(frame)
}
