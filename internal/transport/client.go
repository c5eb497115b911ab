package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"kmflowd/internal/event"
	"kmflowd/internal/security"
)

// ClientConfig configures the transport client.
type ClientConfig struct {
	// SocketPath is the local channel endpoint.
	SocketPath string

	// Secret is the shared transport secret from the keystore.
	Secret []byte

	// QueueDepth bounds the outstanding-send queue. When the queue is
	// full the oldest events are dropped and announced with a gap marker.
	QueueDepth int

	// BackoffBase is the first reconnect delay; it doubles per attempt.
	BackoffBase time.Duration

	// BackoffCap bounds the reconnect delay.
	BackoffCap time.Duration

	// MaxAttempts bounds consecutive failed connection attempts before the
	// client surfaces a hard failure and stops retrying.
	MaxAttempts int

	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration

	// WriteTimeout bounds one record write.
	WriteTimeout time.Duration
}

// DefaultClientConfig returns production defaults for the given endpoint.
func DefaultClientConfig(socketPath string, secret []byte) ClientConfig {
	return ClientConfig{
		SocketPath:   socketPath,
		Secret:       secret,
		QueueDepth:   1024,
		BackoffBase:  500 * time.Millisecond,
		BackoffCap:   30 * time.Second,
		MaxAttempts:  10,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Session is the transient per-connection state, readable for status
// reporting. It is never persisted.
type Session struct {
	State             State
	Authenticated     bool
	LastActivity      time.Time
	ReconnectAttempts int
	QueueDepth        int
}

// Dialer opens the underlying connection. Production uses unixDialer; tests
// substitute failures and in-memory pipes.
type Dialer func(ctx context.Context, path string) (net.Conn, error)

// Clock abstracts timer creation so backoff is testable without real
// delays.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Client is the sending side of the local channel. One send loop goroutine
// owns the connection; producers only enqueue. Send never blocks for the
// duration of a reconnect backoff.
type Client struct {
	cfg   ClientConfig
	log   *slog.Logger
	dial  Dialer
	clock Clock

	queue chan *event.CaptureEvent

	state     atomic.Int32
	attempts  atomic.Int32
	lastActMu sync.Mutex
	lastAct   time.Time

	// gap tracks dropped events not yet announced.
	gapMu sync.Mutex
	gap   *GapMarker

	// pending is an event taken off the queue but not yet delivered. Owned
	// by the send loop; it is retried first after a reconnect so the stream
	// never reorders.
	pending *event.CaptureEvent

	// hardFail is closed when the retry limit is exhausted.
	hardFail  chan struct{}
	hardOnce  sync.Once
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a transport client. Start must be called before Send.
func NewClient(cfg ClientConfig, log *slog.Logger) *Client {
	return newClient(cfg, log, unixDialer, realClock{})
}

// newClient is the injectable constructor shared with tests.
func newClient(cfg ClientConfig, log *slog.Logger, dial Dialer, clock Clock) *Client {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		log:      log,
		dial:     dial,
		clock:    clock,
		queue:    make(chan *event.CaptureEvent, cfg.QueueDepth),
		hardFail: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

func unixDialer(ctx context.Context, path string) (net.Conn, error) {
	if err := ValidateEndpoint(path); err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

// Start launches the send loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.sendLoop()
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// SessionInfo returns a snapshot of the channel session.
func (c *Client) SessionInfo() Session {
	c.lastActMu.Lock()
	lastAct := c.lastAct
	c.lastActMu.Unlock()

	st := c.State()
	return Session{
		State:             st,
		Authenticated:     st == StateAuthenticated || st == StateStreaming,
		LastActivity:      lastAct,
		ReconnectAttempts: int(c.attempts.Load()),
		QueueDepth:        len(c.queue),
	}
}

// Failed returns a channel closed when the client gives up after
// MaxAttempts consecutive connection failures.
func (c *Client) Failed() <-chan struct{} {
	return c.hardFail
}

// Send enqueues an event for delivery. It never blocks on the network or on
// reconnect backoff: when the queue is full the oldest queued event is
// dropped and the hole is announced with a gap marker, preserving order for
// everything that is delivered. ctx bounds the (brief) enqueue itself.
func (c *Client) Send(ctx context.Context, ev *event.CaptureEvent) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	case <-c.hardFail:
		return ErrChannelDown
	default:
	}

	for {
		select {
		case c.queue <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		default:
		}

		// Queue full: drop the oldest event to keep the stream moving and
		// record the gap.
		select {
		case dropped := <-c.queue:
			c.recordGap(dropped.Seq)
		default:
		}
	}
}

// recordGap extends the pending gap marker to cover seq.
func (c *Client) recordGap(seq uint64) {
	c.gapMu.Lock()
	defer c.gapMu.Unlock()
	if c.gap == nil {
		c.gap = &GapMarker{FromSeq: seq, ToSeq: seq}
		return
	}
	if seq < c.gap.FromSeq {
		c.gap.FromSeq = seq
	}
	if seq > c.gap.ToSeq {
		c.gap.ToSeq = seq
	}
}

// takeGap returns and clears the pending gap marker.
func (c *Client) takeGap() *GapMarker {
	c.gapMu.Lock()
	defer c.gapMu.Unlock()
	g := c.gap
	c.gap = nil
	return g
}

// Close moves the client to the terminal closed state and waits for the
// send loop to exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.state.Store(int32(StateClosed))
	})
	return nil
}

// sendLoop owns the connection lifecycle: connect, authenticate, drain the
// queue, reconnect with exponential backoff on failure.
func (c *Client) sendLoop() {
	defer c.wg.Done()

	for {
		conn, err := c.connect()
		if err != nil {
			// An event still in hand when the loop exits is accounted for
			// as a gap, never silently dropped.
			if c.pending != nil {
				c.recordGap(c.pending.Seq)
				c.pending = nil
			}
			return // closed or hard-failed
		}

		c.attempts.Store(0)
		c.state.Store(int32(StateStreaming))
		c.log.Info("channel streaming", "endpoint", c.cfg.SocketPath)

		if err := c.stream(conn); err == nil {
			return // clean shutdown
		}
		conn.Close()
		c.state.Store(int32(StateDisconnected))
	}
}

// connect dials and authenticates, applying backoff between attempts.
// Returns a non-nil connection in the authenticated state, or an error when
// the client is shutting down or the attempt budget is spent.
func (c *Client) connect() (net.Conn, error) {
	backoff := c.cfg.BackoffBase

	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, ErrClosed
		default:
		}

		c.state.Store(int32(StateConnecting))
		c.attempts.Store(int32(attempt))

		conn, err := c.dialAndAuth()
		if err == nil {
			c.state.Store(int32(StateAuthenticated))
			return conn, nil
		}

		c.log.Warn("channel connect failed", "attempt", attempt, "error", err)

		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			c.log.Error("channel retry limit exhausted", "attempts", attempt)
			c.hardOnce.Do(func() { close(c.hardFail) })
			return nil, ErrChannelDown
		}

		// Non-blocking suspension: the wait yields to shutdown, never
		// holding a worker for the full backoff duration.
		select {
		case <-c.clock.After(backoff):
		case <-c.ctx.Done():
			return nil, ErrClosed
		}

		backoff *= 2
		if backoff > c.cfg.BackoffCap {
			backoff = c.cfg.BackoffCap
		}
	}
}

// dialAndAuth opens the socket, sends the authentication line, and waits
// for the explicit acknowledgment. A rejected credential is an error, never
// silently treated as success.
func (c *Client) dialAndAuth() (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, c.cfg.SocketPath)
	if err != nil {
		return nil, err
	}

	line, err := marshalLine(authLine{Auth: encodeToken(c.cfg.Secret)})
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	if _, err := conn.Write(line); err != nil {
		conn.Close()
		return nil, err
	}

	var ack authAck
	reader := bufio.NewReader(conn)
	ackLine, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := unmarshalStrict(ackLine, &ack); err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Status != statusOK {
		conn.Close()
		return nil, ErrAuthRejected
	}

	conn.SetDeadline(time.Time{})
	c.touch()
	return conn, nil
}

// stream drains the queue onto the connection until a write fails or the
// client shuts down. Returns nil only on clean shutdown.
func (c *Client) stream(conn net.Conn) error {
	for {
		// A gap recorded while disconnected is announced before new events.
		if g := c.takeGap(); g != nil {
			if err := c.writeRecord(conn, &wireRecord{Gap: g}); err != nil {
				c.recordGapRange(g)
				return err
			}
		}

		// An event that failed to send on the previous connection goes out
		// first, keeping the stream in sequence order.
		if c.pending == nil {
			select {
			case <-c.ctx.Done():
				return nil
			case ev := <-c.queue:
				c.pending = ev
			}
		}

		if err := c.writeRecord(conn, &wireRecord{Event: c.pending}); err != nil {
			return err
		}
		c.pending = nil
		c.touch()
	}
}

// writeRecord writes one wire record with a deadline.
func (c *Client) writeRecord(conn net.Conn, rec *wireRecord) error {
	line, err := marshalLine(rec)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, err = conn.Write(line)
	return err
}

// recordGapRange merges an unsent gap marker back into the pending gap.
func (c *Client) recordGapRange(g *GapMarker) {
	c.recordGap(g.FromSeq)
	c.recordGap(g.ToSeq)
}

func (c *Client) touch() {
	c.lastActMu.Lock()
	c.lastAct = time.Now()
	c.lastActMu.Unlock()
}

// VerifySecret compares a presented token against the expected secret in
// constant time. Shared with the server side.
func VerifySecret(expected []byte, presentedToken string) bool {
	return security.SecureCompare([]byte(encodeToken(expected)), []byte(presentedToken))
}
