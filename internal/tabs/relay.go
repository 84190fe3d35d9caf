package tabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mkoskela/tether/internal/pubsub"
)

const (
	relayWriteTimeout = 5 * time.Second
	relayQueueDepth   = 100
)

// RelayServer carries broadcast messages between tabs running in
// separate processes, standing in for the browser's same-origin
// broadcast channel. Every message read from one connection is written
// to all the others; the relay never interprets payloads.
type RelayServer struct {
	addr     string
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	forward chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRelayServer(addr string, logger *slog.Logger) *RelayServer {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RelayServer{
		addr:    addr,
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
		forward: make(chan []byte, relayQueueDepth),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening and forwarding. Addr returns the bound address
// once Start has succeeded, which matters when listening on port 0.
func (s *RelayServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tabs: listening on %s: %w", s.addr, err)
	}

	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)

	go s.forwardLoop()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.logger.Info("relay listening", slog.String("addr", ln.Addr().String()))

		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay server error", slog.Any("error", err))
		}
	}()

	return nil
}

// Stop closes all connections and shuts the server down.
func (s *RelayServer) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("tabs: relay shutdown: %w", err)
	}

	s.wg.Wait()

	return nil
}

// Addr returns the bound listen address.
func (s *RelayServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.addr
}

// ClientCount returns the number of connected tabs.
func (s *RelayServer) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	return len(s.clients)
}

func (s *RelayServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))

		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Info("tab connected", slog.Int("clients", count))

	go s.readLoop(conn)
}

// readLoop relays each inbound frame to every connected tab, the sender
// included; the coordinator filters its own messages by tab ID.
func (s *RelayServer) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		typ, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}

		if typ != websocket.MessageText {
			continue
		}

		select {
		case s.forward <- data:
		case <-s.ctx.Done():
			return
		default:
			s.logger.Warn("relay queue full, dropping message")
		}
	}
}

func (s *RelayServer) forwardLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case data := <-s.forward:
			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))

			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(s.ctx, relayWriteTimeout)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *RelayServer) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()

	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()

		return
	}

	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("tab disconnected", slog.Int("clients", count))
}

func (s *RelayServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// RelayBus is a Bus backed by a relay server connection, used when tabs
// run as separate processes.
type RelayBus struct {
	conn    *websocket.Conn
	emitter *pubsub.Emitter[Message]
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialRelay connects to a relay server, e.g. "ws://127.0.0.1:7423/ws".
func DialRelay(ctx context.Context, url string, logger *slog.Logger) (*RelayBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("tabs: dialing relay %s: %w", url, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	b := &RelayBus{
		conn:    conn,
		emitter: pubsub.New[Message](logger),
		logger:  logger,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go b.readLoop()

	return b, nil
}

func (b *RelayBus) Publish(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("tabs: encoding message: %w", err)
	}

	ctx, cancel := context.WithTimeout(b.ctx, relayWriteTimeout)
	defer cancel()

	if err := b.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("tabs: publishing to relay: %w", err)
	}

	return nil
}

func (b *RelayBus) Subscribe(fn func(Message)) pubsub.Subscription {
	return b.emitter.Subscribe(fn)
}

func (b *RelayBus) Close() error {
	b.cancel()

	err := b.conn.Close(websocket.StatusNormalClosure, "tab closing")

	<-b.done

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("tabs: closing relay connection: %w", err)
	}

	return nil
}

func (b *RelayBus) readLoop() {
	defer close(b.done)

	for {
		_, data, err := b.conn.Read(b.ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("discarding malformed relay message", slog.Any("error", err))

			continue
		}

		b.emitter.Publish(msg)
	}
}
