// Package broker implements the real-time connection and channel broker.
//
// The Broker owns every accepted connection, the channel index (channel →
// subscribed connection ids) and the user index (user id → connection ids).
// Inbound frames are decoded and dispatched through a fixed Router; outbound
// frames are fanned out to channel subscribers or to every connection of a
// user. A gocron job reaps connections that stop showing activity.
//
// # Locking
//
// One RWMutex guards the connection table, both indices and each record's
// subscription set; every mutation runs under the write lock so the
// bidirectional channel invariant can never be observed half-applied.
// Writes to a single connection are serialised by a per-connection mutex so
// frames reach the peer in call order. Fan-out copies the recipient ids under
// the read lock and writes outside it, so a connection that disconnects
// mid-broadcast is simply skipped.
//
// Delivery is best effort and at most once: there is no retry queue.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config holds the broker's tunables. Use DefaultConfig as the base.
type Config struct {
	// MonitorInterval is how often the health monitor scans connections.
	MonitorInterval time.Duration

	// StaleAfter is the idle time after which a connection is reaped.
	StaleAfter time.Duration

	// AsyncTimeout bounds work handed off by Async handlers.
	AsyncTimeout time.Duration

	// MessageRate is the sustained number of inbound frames per second a
	// single connection may send. Zero disables rate limiting.
	MessageRate float64

	// MessageBurst is the burst size paired with MessageRate.
	MessageBurst int

	// ServerName and Version are reported in the welcome frame.
	ServerName string
	Version    string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MonitorInterval: 30 * time.Second,
		StaleAfter:      5 * time.Minute,
		AsyncTimeout:    60 * time.Second,
		MessageBurst:    20,
		ServerName:      "switchboard",
		Version:         "dev",
	}
}

// Stats is a point-in-time snapshot of the broker's counters. Active counts
// are recomputed from the table and indices on every call.
type Stats struct {
	TotalConnections  int64          `json:"total_connections"`
	ActiveConnections int            `json:"active_connections"`
	MessagesSent      int64          `json:"messages_sent"`
	MessagesReceived  int64          `json:"messages_received"`
	ActiveChannels    int            `json:"active_channels"`
	ConnectedUsers    int            `json:"connected_users"`
	Channels          map[string]int `json:"channels"`
	MonitorRunning    bool           `json:"monitor_running"`
	StartedAt         time.Time      `json:"started_at"`
}

// Option customises a Broker at construction time.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	clock    clockwork.Clock
	recorder Recorder
	handlers map[Kind]Handler
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the clock used for activity timestamps and the monitor.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithHandler registers an additional message kind. Registering a built-in
// kind replaces the built-in handler.
func WithHandler(kind Kind, h Handler) Option {
	return func(o *options) { o.handlers[kind] = h }
}

// WithForward registers kind as a domain event that is forwarded opaquely to
// channel subscribers. defaultChannels are used when the message itself
// carries no "channel" or "channels" field.
func WithForward(kind Kind, defaultChannels ...string) Option {
	return func(o *options) { o.handlers[kind] = forwardHandler(defaultChannels) }
}

// Broker owns all connections and indices. Create one with New at process
// start and pass it to every consumer.
//
// The zero value is not usable.
type Broker struct {
	cfg      Config
	logger   *zap.Logger
	clock    clockwork.Clock
	recorder Recorder
	router   *Router
	monitor  *healthMonitor

	mu       sync.RWMutex
	conns    map[string]*Connection
	channels index
	users    index
	closing  bool

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	startedAt        time.Time

	// tasks tracks goroutines spawned by Async handlers. Add is only called
	// while holding mu and before closing is set.
	tasks       sync.WaitGroup
	tasksCtx    context.Context
	cancelTasks context.CancelFunc

	// shutdownDone is closed once the first Shutdown has disconnected every
	// connection and drained the tasks. shutdownErr is written before that.
	shutdownDone chan struct{}
	shutdownErr  error
}

// New creates a Broker. The health monitor is started lazily on the first
// connection.
func New(cfg Config, opts ...Option) *Broker {
	def := DefaultConfig()
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = def.AsyncTimeout
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = def.MessageBurst
	}
	if cfg.ServerName == "" {
		cfg.ServerName = def.ServerName
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}

	o := options{
		logger:   zap.NewNop(),
		clock:    clockwork.NewRealClock(),
		recorder: nopRecorder{},
		handlers: make(map[Kind]Handler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:          cfg,
		logger:       o.logger.Named("broker"),
		clock:        o.clock,
		recorder:     o.recorder,
		conns:        make(map[string]*Connection),
		channels:     make(index),
		users:        make(index),
		startedAt:    o.clock.Now().UTC(),
		tasksCtx:     ctx,
		cancelTasks:  cancel,
		shutdownDone: make(chan struct{}),
	}
	b.router = newRouter(b.logger, o.handlers)
	b.monitor = newHealthMonitor(cfg.MonitorInterval, o.clock, b.reapStale, b.logger)
	return b
}

// Connect registers an accepted transport and sends it the "connected"
// welcome frame. When clientID is empty a unique id is generated; when it
// names a live connection that connection is replaced. userID may be empty.
//
// A failure to deliver the welcome frame is fatal for the connection: the
// transport is closed and the error returned. A cancelled ctx aborts the
// handshake the same way.
func (b *Broker) Connect(ctx context.Context, t Transport, clientID, userID string) (string, error) {
	if b.isClosing() {
		_ = t.Close(CloseGoingAway, ReasonShutdown)
		return "", ErrShuttingDown
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	c := newConnection(clientID, userID, t, b.clock.Now(), b.newLimiter())

	// The welcome goes out before the record is published in the table and
	// indices. Until then no Send, SendToUser or broadcast can find c, so
	// "connected" is always the first frame the client reads.
	err := ctx.Err()
	if err == nil {
		var data []byte
		data, err = b.encode(Message{
			fieldType:   FrameConnected,
			"client_id": clientID,
			"server_info": map[string]any{
				"name":         b.cfg.ServerName,
				"version":      b.cfg.Version,
				"capabilities": b.router.Kinds(),
			},
		})
		if err == nil {
			err = b.deliver(c, data)
		}
	}
	if err != nil {
		if cerr := c.close(CloseInternalServerErr, ReasonHandshakeFailed); cerr != nil {
			b.logger.Debug("closing transport failed", zap.String("client_id", clientID), zap.Error(cerr))
		}
		return "", fmt.Errorf("broker: sending welcome frame to %s: %w", clientID, err)
	}

	b.mu.Lock()
	// Shutdown may have started while the welcome was in flight. Its
	// snapshot of the table no longer includes c, so c is closed here.
	if b.closing {
		b.mu.Unlock()
		_ = c.close(CloseGoingAway, ReasonShutdown)
		return "", ErrShuttingDown
	}
	prev, replaced := b.conns[clientID]
	if replaced {
		b.removeLocked(prev)
	}
	b.conns[clientID] = c
	if userID != "" {
		b.users.add(userID, clientID)
	}
	total := len(b.conns)
	b.mu.Unlock()

	if replaced {
		b.logger.Warn("replacing existing connection", zap.String("client_id", clientID))
		b.closeRemoved(prev, ClosePolicyViolation, ReasonReplaced)
	}

	b.totalConnections.Add(1)
	b.recorder.ConnectionOpened()

	if err := b.monitor.start(); err != nil {
		// The connection is still usable; only reaping is affected.
		b.logger.Error("failed to start health monitor", zap.Error(err))
	}

	b.logger.Info("client connected",
		zap.String("client_id", clientID),
		zap.String("user_id", userID),
		zap.Int("total_connected", total),
	)
	return clientID, nil
}

func (b *Broker) isClosing() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closing
}

// Disconnect removes the connection from every index, marks it inactive and
// closes its transport. Calling it for an unknown or already disconnected id
// is a no-op.
func (b *Broker) Disconnect(clientID string, code int, reason string) {
	b.mu.Lock()
	c, ok := b.conns[clientID]
	if ok {
		b.removeLocked(c)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	b.closeRemoved(c, code, reason)
}

// DisconnectTransport is Disconnect for the owner of a transport: it removes
// the record under clientID only while that record still wraps t. A
// transport's read loop uses it so that, after clientID has been reused by a
// newer connection, the old socket going away never removes its successor.
// It reports whether a record was removed.
func (b *Broker) DisconnectTransport(clientID string, t Transport, code int, reason string) bool {
	c := b.lookup(clientID)
	if c == nil || c.transport != t {
		return false
	}
	return b.disconnectRecord(c, code, reason)
}

// disconnectRecord is Disconnect bound to a specific record. Callers that
// picked c up earlier (a monitor scan, a shutdown snapshot, a transport's
// read loop) may find the id already reused by a newer connection; the
// pointer comparison under the lock makes sure only c itself is removed.
func (b *Broker) disconnectRecord(c *Connection, code int, reason string) bool {
	b.mu.Lock()
	current, ok := b.conns[c.ID]
	ok = ok && current == c
	if ok {
		b.removeLocked(c)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	b.closeRemoved(c, code, reason)
	return true
}

// removeLocked drops c from the table and both indices. Caller holds mu.
func (b *Broker) removeLocked(c *Connection) {
	delete(b.conns, c.ID)
	for ch := range c.subscriptions {
		b.channels.remove(ch, c.ID)
	}
	c.subscriptions = make(map[string]struct{})
	if c.UserID != "" {
		b.users.remove(c.UserID, c.ID)
	}
	c.active.Store(false)
}

func (b *Broker) closeRemoved(c *Connection, code int, reason string) {
	if err := c.close(code, reason); err != nil {
		b.logger.Debug("closing transport failed",
			zap.String("client_id", c.ID),
			zap.Error(err),
		)
	}
	b.recorder.ConnectionClosed(reason)
	b.logger.Info("client disconnected",
		zap.String("client_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Duration("session_duration", b.clock.Since(c.ConnectedAt)),
	)
}

// Touch refreshes the activity timestamp of a connection. Transports call it
// for protocol-level keep-alives that never reach HandleMessage.
func (b *Broker) Touch(clientID string) {
	if c := b.lookup(clientID); c != nil {
		c.touch(b.clock.Now())
	}
}

// HandleMessage processes one raw inbound frame from clientID. Decode
// failures are reported to the sender as an "error" frame and change no
// broker state; decoded messages are dispatched through the router.
func (b *Broker) HandleMessage(ctx context.Context, clientID string, raw []byte) {
	c := b.lookup(clientID)
	if c == nil || !c.Active() {
		return
	}
	c.touch(b.clock.Now())

	if c.limiter != nil && !c.limiter.Allow() {
		b.recorder.MessageReceived("rate_limited")
		b.sendTo(c, errorMessage("rate limit exceeded", ""))
		return
	}

	msg, err := Decode(raw)
	if err != nil {
		b.recorder.MessageReceived("invalid")
		b.sendTo(c, errorMessage(err.Error(), ""))
		return
	}

	b.messagesReceived.Add(1)
	kind := msg.Kind()
	if b.router.Has(kind) {
		b.recorder.MessageReceived(string(kind))
	} else {
		b.recorder.MessageReceived("unknown")
	}
	b.router.dispatch(ctx, b, c, msg)
}

// Send writes msg to a single connection. It never fails loudly: it returns
// false when the connection is unknown or inactive, or when the write fails,
// in which case the connection is marked inactive for the health monitor.
func (b *Broker) Send(clientID string, msg Message) bool {
	c := b.lookup(clientID)
	if c == nil {
		return false
	}
	return b.sendTo(c, msg)
}

// SendToUser delivers msg to every connection registered for userID and
// reports whether at least one delivery succeeded.
func (b *Broker) SendToUser(userID string, msg Message) bool {
	targets := b.snapshot(b.users, userID, "")
	if len(targets) == 0 {
		return false
	}
	return b.fanOut(targets, msg) > 0
}

// BroadcastToChannel delivers msg to every subscriber of channel except
// excludeClientID and returns the number of successful deliveries. An
// unknown channel yields 0.
func (b *Broker) BroadcastToChannel(channel string, msg Message, excludeClientID string) int {
	targets := b.snapshot(b.channels, channel, excludeClientID)
	if len(targets) == 0 {
		return 0
	}
	return b.fanOut(targets, msg)
}

// Subscribe adds clientID to channel. Subscribing twice is a no-op.
func (b *Broker) Subscribe(clientID, channel string) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	b.mu.Lock()
	c, ok := b.conns[clientID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s to %q: %w", clientID, channel, ErrConnectionNotFound)
	}
	if _, exists := c.subscriptions[channel]; !exists {
		c.subscriptions[channel] = struct{}{}
		b.channels.add(channel, clientID)
	}
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes clientID from channel. Unsubscribing from a channel
// the connection is not in is a no-op.
func (b *Broker) Unsubscribe(clientID, channel string) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	b.mu.Lock()
	c, ok := b.conns[clientID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("unsubscribe %s from %q: %w", clientID, channel, ErrConnectionNotFound)
	}
	if _, exists := c.subscriptions[channel]; exists {
		delete(c.subscriptions, channel)
		b.channels.remove(channel, clientID)
	}
	b.mu.Unlock()
	return nil
}

// Subscriptions returns the sorted channel names clientID is subscribed to.
func (b *Broker) Subscriptions(clientID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conns[clientID]
	if !ok {
		return nil
	}
	return c.info().Subscriptions
}

// Connection returns a snapshot of the record registered under clientID.
func (b *Broker) Connection(clientID string) (ConnectionInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conns[clientID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// Connections returns snapshots of every registered connection ordered by id.
func (b *Broker) Connections() []ConnectionInfo {
	b.mu.RLock()
	out := make([]ConnectionInfo, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c.info())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns a snapshot of the aggregate counters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	active := 0
	for _, c := range b.conns {
		if c.Active() {
			active++
		}
	}
	s := Stats{
		ActiveConnections: active,
		ActiveChannels:    len(b.channels),
		ConnectedUsers:    len(b.users),
		Channels:          b.channels.counts(),
	}
	b.mu.RUnlock()

	s.TotalConnections = b.totalConnections.Load()
	s.MessagesSent = b.messagesSent.Load()
	s.MessagesReceived = b.messagesReceived.Load()
	s.MonitorRunning = b.monitor.running()
	s.StartedAt = b.startedAt
	return s
}

// Shutdown stops the health monitor, disconnects every connection with
// reason "server shutdown" and waits for all disconnects and in-flight async
// handler tasks. New connections are refused once Shutdown has begun.
//
// Only the first call does the work. Every call, including concurrent and
// later ones, waits for that work to finish or for ctx to expire; an expired
// ctx does not stop the drain.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	first := !b.closing
	var records []*Connection
	if first {
		b.closing = true
		records = make([]*Connection, 0, len(b.conns))
		for _, c := range b.conns {
			records = append(records, c)
		}
	}
	b.mu.Unlock()

	if first {
		go b.drain(records)
	}

	select {
	case <-b.shutdownDone:
		return b.shutdownErr
	case <-ctx.Done():
		return fmt.Errorf("broker: waiting for shutdown: %w", ctx.Err())
	}
}

// drain runs the shutdown sequence for the records snapshotted by the first
// Shutdown call and closes shutdownDone when everything has stopped.
func (b *Broker) drain(records []*Connection) {
	defer close(b.shutdownDone)

	var err error
	if merr := b.monitor.stop(); merr != nil {
		err = fmt.Errorf("broker: stopping health monitor: %w", merr)
	}

	// Transports may block in Close (a peer that stopped reading), so the
	// disconnects run concurrently with a cap instead of one by one.
	var g errgroup.Group
	g.SetLimit(64)
	for _, c := range records {
		g.Go(func() error {
			b.disconnectRecord(c, CloseGoingAway, ReasonShutdown)
			return nil
		})
	}
	_ = g.Wait()

	// No task can be added any more: spawn checks closing under mu.
	b.cancelTasks()
	b.tasks.Wait()

	b.logger.Info("broker stopped", zap.Int("disconnected", len(records)))
	b.shutdownErr = err
}

// lookup returns the record for clientID or nil.
func (b *Broker) lookup(clientID string) *Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conns[clientID]
}

// snapshot resolves the ids under key in ix to records while holding the
// read lock, so the caller can write without it.
func (b *Broker) snapshot(ix index, key, exclude string) []*Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := ix.members(key, exclude)
	out := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := b.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// fanOut encodes msg once and writes it to every target, returning the
// number of successful deliveries. targets is a snapshot taken by the caller
// under the read lock; the writes happen without it so a slow transport
// never stalls subscribe, connect or other broadcasts. A target removed
// after the snapshot is closed, and its write fails with
// ErrConnectionInactive instead of reaching the socket.
func (b *Broker) fanOut(targets []*Connection, msg Message) int {
	data, err := b.encode(msg)
	if err != nil {
		b.logger.Warn("dropping unencodable message", zap.Error(err))
		return 0
	}
	delivered := 0
	for _, c := range targets {
		if b.deliver(c, data) == nil {
			delivered++
		}
	}
	return delivered
}

// sendTo encodes and writes msg to c.
func (b *Broker) sendTo(c *Connection, msg Message) bool {
	data, err := b.encode(msg)
	if err != nil {
		b.logger.Warn("dropping unencodable message",
			zap.String("client_id", c.ID),
			zap.Error(err),
		)
		return false
	}
	return b.deliver(c, data) == nil
}

// deliver writes data to c. A failed write marks c inactive; the health
// monitor or the transport's read loop removes it later.
func (b *Broker) deliver(c *Connection, data []byte) error {
	if !c.Active() {
		return ErrConnectionInactive
	}
	if err := c.write(data); err != nil {
		c.active.Store(false)
		b.logger.Warn("write failed, marking connection inactive",
			zap.String("client_id", c.ID),
			zap.Error(err),
		)
		return err
	}
	c.messagesSent.Add(1)
	b.messagesSent.Add(1)
	b.recorder.MessageSent()
	return nil
}

func (b *Broker) encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(stamp(msg, b.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("broker: encoding %q frame: %w", msg.Kind(), err)
	}
	return data, nil
}

func (b *Broker) newLimiter() *rate.Limiter {
	if b.cfg.MessageRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(b.cfg.MessageRate), b.cfg.MessageBurst)
}
