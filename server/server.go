// Package server is the evalpulse relay: a small HTTP API over the evaluation
// tracker plus a websocket that pushes session events to connected clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jobgate/evalpulse/am"
	"github.com/jobgate/evalpulse/evaluation"
	"github.com/jobgate/evalpulse/journal"
	"github.com/jobgate/evalpulse/logger"
)

// RelayServer exposes a Tracker over HTTP and websocket
type RelayServer struct {
	tracker        *evaluation.Tracker
	journal        *journal.Journal // nil when journal.enabled = false
	allowedOrigins []string

	clients    map[*Client]bool
	broadcast  chan Event
	direct     chan directMessage
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	httpServer    *http.Server
	configWatcher *am.ConfigWatcher
	logger        *zap.SugaredLogger

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	broadcastDrops atomic.Int64
	state          atomic.Int32
	stopOnce       sync.Once
}

// New creates a relay for tracker and registers it as a tracker observer.
// j may be nil.
func New(tracker *evaluation.Tracker, j *journal.Journal, cfg am.ServerConfig, log *zap.SugaredLogger) *RelayServer {
	if log == nil {
		log = logger.ComponentLogger("server")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &RelayServer{
		tracker:        tracker,
		journal:        j,
		allowedOrigins: cfg.AllowedOrigins,
		clients:        make(map[*Client]bool),
		broadcast:      make(chan Event, MaxClientMessageQueueSize),
		direct:         make(chan directMessage),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
	}
	tracker.AddObserver(s)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	return s
}

// run is the hub loop. It is the only goroutine that sends on or closes client channels.
func (s *RelayServer) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.closeAllClients()
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		case event := <-s.broadcast:
			s.handleBroadcast(event)
		case msg := <-s.direct:
			s.handleDirect(msg)
		}
	}
}

func (s *RelayServer) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			logger.FieldClientID, client.id,
			"max_clients", MaxClients)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected", logger.FieldClientID, client.id, "total_clients", total)
}

func (s *RelayServer) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	client.close()
	s.logger.Infow("Client disconnected", logger.FieldClientID, client.id, "total_clients", total)
}

// handleBroadcast fans an event out. A client whose queue is full is dropped.
func (s *RelayServer) handleBroadcast(event Event) {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- event:
		default:
			s.broadcastDrops.Add(1)
			s.removeSlowClient(c)
		}
	}
}

// directMessage is an event for a single client
type directMessage struct {
	client *Client
	event  Event
}

func (s *RelayServer) handleDirect(msg directMessage) {
	s.mu.RLock()
	_, ok := s.clients[msg.client]
	s.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case msg.client.send <- msg.event:
	default:
		s.broadcastDrops.Add(1)
	}
}

func (s *RelayServer) removeSlowClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	s.mu.Unlock()

	client.close()
	s.logger.Warnw("Client send queue full, removing client",
		logger.FieldClientID, client.id,
		"total_drops", s.broadcastDrops.Load())
}

func (s *RelayServer) closeAllClients() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected websocket clients
func (s *RelayServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// State returns the lifecycle state
func (s *RelayServer) State() ServerState {
	return ServerState(s.state.Load())
}

func (s *RelayServer) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Infow("Server state changed", "new_state", state.String())
}
