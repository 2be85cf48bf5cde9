// Package push delivers policy change notifications to connected
// clients. The service subscribes to the change stream and forwards
// mutation events as policy_update messages; clients pick the policy ids
// they care about or "*" for everything. Transports are pluggable: the
// production one speaks WebSocket, tests use in-memory fakes.
package push

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crescendo-labs/podium/pkg/manifest"
	"github.com/crescendo-labs/podium/pkg/stream"
)

// DefaultHeartbeatInterval is the watchdog cadence. Clients silent for
// twice this long are disconnected.
const DefaultHeartbeatInterval = 30 * time.Second

// Wildcard subscribes a client to every policy.
const Wildcard = "*"

// Server-to-client message types.
const (
	MessageConnected    = "connected"
	MessagePolicyUpdate = "policy_update"
)

// Client-to-server message types.
const (
	ClientSubscribe   = "subscribe"
	ClientUnsubscribe = "unsubscribe"
	ClientHeartbeat   = "heartbeat"
)

// ErrClientNotFound is returned for operations on unknown client ids.
var ErrClientNotFound = errors.New("push: client not found")

// Message is the envelope sent to clients.
type Message struct {
	Type      string             `json:"type"`
	ClientID  string             `json:"clientId,omitempty"`
	Event     string             `json:"event,omitempty"`
	PolicyID  string             `json:"policyId,omitempty"`
	Policy    *manifest.Manifest `json:"policy,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ClientMessage is what clients send upstream.
type ClientMessage struct {
	Type      string   `json:"type"`
	PolicyIDs []string `json:"policyIds,omitempty"`
}

// Transport is the outbound half of one client connection. Send and Close
// may be called from different goroutines.
type Transport interface {
	Send(msg Message) error
	Close(reason string) error
}

// Client is a point-in-time view of one connection.
type Client struct {
	ID            string    `json:"id"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Subscriptions []string  `json:"subscriptions"`
}

type client struct {
	id            string
	transport     Transport
	connectedAt   time.Time
	lastHeartbeat time.Time
	subs          map[string]struct{}
}

func (c *client) matches(policyID string) bool {
	if _, ok := c.subs[Wildcard]; ok {
		return true
	}
	_, ok := c.subs[policyID]
	return ok
}

func (c *client) snapshot() Client {
	subs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		subs = append(subs, id)
	}
	sort.Strings(subs)
	return Client{
		ID:            c.id,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: c.lastHeartbeat,
		Subscriptions: subs,
	}
}

// Service fans change events out to subscribed clients and reaps the ones
// that stop heartbeating.
type Service struct {
	stream    *stream.Stream
	logger    *slog.Logger
	now       func() time.Time
	heartbeat time.Duration

	mu      sync.RWMutex
	clients map[string]*client

	unsubscribe func()
	stop        chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithHeartbeatInterval overrides the watchdog cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l.With("component", "push")
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a push service over the change stream. Call Start to begin
// receiving events and Stop to disconnect everything.
func New(st *stream.Stream, opts ...Option) *Service {
	s := &Service{
		stream:    st,
		logger:    slog.Default().With("component", "push"),
		now:       time.Now,
		heartbeat: DefaultHeartbeatInterval,
		clients:   make(map[string]*client),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes the service to the change stream and launches the
// heartbeat watchdog. Safe to call once; later calls are no-ops.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.unsubscribe = s.stream.Subscribe("push", s.HandleEvent)
		s.wg.Add(1)
		go s.watchdog()
	})
}

// Stop detaches from the stream, halts the watchdog, and closes every
// client transport.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.stop)
		s.wg.Wait()
		s.Clear("server shutting down")
	})
}

// Register adds a connection and acks it with a connected message carrying
// the assigned client id. The client starts with no subscriptions.
func (s *Service) Register(t Transport) Client {
	now := s.now().UTC()
	c := &client{
		id:            uuid.NewString(),
		transport:     t,
		connectedAt:   now,
		lastHeartbeat: now,
		subs:          make(map[string]struct{}),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	ack := Message{Type: MessageConnected, ClientID: c.id, Timestamp: now}
	if err := t.Send(ack); err != nil {
		s.logger.Warn("connected ack failed", "clientId", c.id, "error", err)
	}
	s.logger.Info("client connected", "clientId", c.id)
	return c.snapshot()
}

// Subscribe adds policy ids (or the wildcard) to a client's set.
func (s *Service) Subscribe(clientID string, policyIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	for _, id := range policyIDs {
		if id != "" {
			c.subs[id] = struct{}{}
		}
	}
	return nil
}

// Unsubscribe removes policy ids from a client's set.
func (s *Service) Unsubscribe(clientID string, policyIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	for _, id := range policyIDs {
		delete(c.subs, id)
	}
	return nil
}

// Heartbeat refreshes a client's liveness timestamp.
func (s *Service) Heartbeat(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	c.lastHeartbeat = s.now().UTC()
	return nil
}

// HandleClientMessage dispatches one upstream message.
func (s *Service) HandleClientMessage(clientID string, m ClientMessage) error {
	switch m.Type {
	case ClientHeartbeat:
		return s.Heartbeat(clientID)
	case ClientSubscribe:
		return s.Subscribe(clientID, m.PolicyIDs...)
	case ClientUnsubscribe:
		return s.Unsubscribe(clientID, m.PolicyIDs...)
	default:
		return fmt.Errorf("push: unknown message type %q", m.Type)
	}
}

// Disconnect closes a client's transport and forgets it. Unknown ids are
// a no-op.
func (s *Service) Disconnect(clientID string, reason string) {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := c.transport.Close(reason); err != nil {
		s.logger.Debug("transport close failed", "clientId", clientID, "error", err)
	}
	s.logger.Info("client disconnected", "clientId", clientID, "reason", reason)
}

// Clear disconnects every client.
func (s *Service) Clear(reason string) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		delete(s.clients, id)
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		if err := c.transport.Close(reason); err != nil {
			s.logger.Debug("transport close failed", "clientId", c.id, "error", err)
		}
	}
}

// Clients returns a snapshot of every connection ordered by id.
func (s *Service) Clients() []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of connected clients.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleEvent forwards one mutation event to every matching client. It is
// the service's stream subscription; evaluation events are not pushed.
// A failed send disconnects the client: the read loop on a healthy
// connection will re-register.
func (s *Service) HandleEvent(ev stream.Event) {
	if !ev.Type.Mutation() {
		return
	}
	msg := Message{
		Type:      MessagePolicyUpdate,
		Event:     ev.Type.Name(),
		PolicyID:  ev.PolicyID,
		Policy:    ev.Policy,
		Timestamp: ev.Timestamp,
	}

	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.matches(ev.PolicyID) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if err := c.transport.Send(msg); err != nil {
			s.logger.Warn("push failed", "clientId", c.id, "event", ev.Type, "error", err)
			s.Disconnect(c.id, "send failed")
		}
	}
}

func (s *Service) watchdog() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.disconnectStale()
		}
	}
}

// disconnectStale reaps clients whose last heartbeat is at least two
// intervals old.
func (s *Service) disconnectStale() {
	cutoff := s.now().UTC().Add(-2 * s.heartbeat)
	s.mu.Lock()
	var stale []*client
	for id, c := range s.clients {
		if !c.lastHeartbeat.After(cutoff) {
			delete(s.clients, id)
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()
	for _, c := range stale {
		s.logger.Info("heartbeat timeout", "clientId", c.id,
			"lastHeartbeat", c.lastHeartbeat)
		if err := c.transport.Close("heartbeat timeout"); err != nil {
			s.logger.Debug("transport close failed", "clientId", c.id, "error", err)
		}
	}
}
