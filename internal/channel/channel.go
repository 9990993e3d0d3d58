// Package channel implements a persistent WebSocket message channel to the
// interview backend.
//
// A [Client] dials its endpoint, reconnects with bounded exponential backoff
// whenever the connection drops, and keeps the connection alive with
// heartbeat pings. Control messages are JSON text frames ([protocol.Message]);
// audio travels as binary frames.
//
// Every write on a connection goes through one writer goroutine in queue
// order. Control messages wait for their write; audio never waits. When the
// peer cannot keep up and the queue is full, audio frames are dropped.
//
// Audio is only forwarded while the client is streaming, i.e. between
// [Client.Start] and [Client.Stop], and only after the start message has been
// written on the current connection. After a reconnect the last start message
// is queued before the connection is reported open, so the remote side
// never receives audio for a stream it does not know about.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
)

// Default connection parameters.
const (
	DefaultMinBackoff = 250 * time.Millisecond
	DefaultMaxBackoff = 4 * time.Second
	DefaultFactor     = 1.5
	DefaultHeartbeat  = 5 * time.Second

	writeTimeout = 5 * time.Second
	readLimit    = 8 << 20

	// outboxSize bounds the frames waiting for a connection's writer. At the
	// default 200ms capture cadence that is a little over three seconds of audio.
	outboxSize = 16
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("channel: client closed")

	// ErrBudgetExhausted is reported when MaxAttempts consecutive dials failed.
	ErrBudgetExhausted = errors.New("channel: reconnect budget exhausted")

	errConnLost = errors.New("connection lost")
)

// Config configures a [Client].
type Config struct {
	// URL is the WebSocket endpoint. Build it with [Endpoint].
	URL string

	// Name identifies the channel in logs and metrics, e.g. "speech".
	Name string

	// MinBackoff is the delay before the first reconnect. Default 250ms.
	MinBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Default 4s.
	MaxBackoff time.Duration

	// Factor multiplies the delay after every failed attempt. Default 1.5.
	Factor float64

	// MaxAttempts bounds consecutive failed dials. Zero retries forever.
	MaxAttempts int

	// Heartbeat is the ping interval while connected. Default 5s; negative
	// disables heartbeats.
	Heartbeat time.Duration

	// OnControl receives every decoded inbound control message.
	OnControl func(protocol.Message)

	// OnBinary receives every inbound binary frame.
	OnBinary func([]byte)

	// OnOpen runs each time a connection becomes usable.
	OnOpen func()

	// OnDrop runs each time an open connection is lost.
	OnDrop func(error)

	// OnGiveUp runs once when the reconnect budget is exhausted. The error
	// wraps [ErrBudgetExhausted].
	OnGiveUp func(error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Endpoint builds the channel URL for path on base with the session query
// parameter. http and https bases are mapped to ws and wss.
func Endpoint(base, path, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("channel: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("channel: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Client is a self-healing WebSocket channel. All methods are safe for
// concurrent use. Callbacks run sequentially on the client's read goroutine
// in arrival order and must not call [Client.Close].
type Client struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards the fields below.
	mu        sync.Mutex
	link      *link
	open      bool
	openCh    chan struct{}
	started   bool
	closed    bool
	streaming bool
	start     protocol.Message
	startSent bool
	startGen  uint64
	giveUpErr error
	gaveUp    chan struct{}

	closeOnce sync.Once
}

// outFrame is one queued write. reply is nil for audio and heartbeats.
type outFrame struct {
	typ   websocket.MessageType
	data  []byte
	kind  protocol.Kind
	reply chan error
}

// link is one open connection and the queue of its writer.
type link struct {
	conn *websocket.Conn
	out  chan outFrame
	done chan struct{} // closed when the writer exits
	gone chan struct{} // closed once the client has let go of the link
}

// New returns an unconnected client.
func New(cfg Config) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.Factor < 1 {
		cfg.Factor = DefaultFactor
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Name == "" {
		cfg.Name = "channel"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	met := cfg.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		log:     log.With("channel", cfg.Name),
		metrics: met,
		ctx:     ctx,
		cancel:  cancel,
		openCh:  make(chan struct{}),
		gaveUp:  make(chan struct{}),
	}
}

// Connect starts the connection loop and waits until the first connection is
// open. If ctx ends first the loop keeps trying in the background and
// ctx.Err() is returned. Connect may only be called once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return fmt.Errorf("channel: %s: already connected", c.cfg.Name)
	}
	c.started = true
	openCh := c.openCh
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()

	select {
	case <-openCh:
		return nil
	case <-c.gaveUp:
		return c.giveUpErr
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Streaming reports whether a start message is in effect.
func (c *Client) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Send writes msg, waiting for an open connection first.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.open {
			l := c.link
			c.mu.Unlock()
			err := c.write(ctx, l, outFrame{typ: websocket.MessageText, data: b, kind: msg.Type})
			if !errors.Is(err, errConnLost) {
				return err
			}
			// The connection went away under us; wait for the next one.
			select {
			case <-l.gone:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		wait := c.openCh
		c.mu.Unlock()

		select {
		case <-wait:
		case <-c.gaveUp:
			return c.giveUpErr
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		}
	}
}

// Start records msg as the stream's start message and marks the channel
// streaming. It is written immediately when a connection is open and
// replayed on every reconnect until [Client.Stop].
func (c *Client) Start(ctx context.Context, msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.start = msg
	c.streaming = true
	c.startSent = false
	c.startGen++
	gen, l, open := c.startGen, c.link, c.open
	c.mu.Unlock()
	if !open {
		return nil
	}

	err = c.write(ctx, l, outFrame{typ: websocket.MessageText, data: b, kind: msg.Type})
	if errors.Is(err, errConnLost) {
		// The next connection replays it.
		return nil
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.link == l && c.startGen == gen {
		c.startSent = true
	}
	c.mu.Unlock()
	return nil
}

// Stop ends the stream. The stop message is written only when a connection
// is open; a dropped connection has already ended the remote stream. Audio
// queued before Stop is written ahead of the stop message.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	wasStreaming := c.streaming
	c.streaming = false
	c.startSent = false
	c.startGen++
	l, open := c.link, c.open
	c.mu.Unlock()
	if !open || !wasStreaming {
		return nil
	}

	stop := protocol.Stop()
	b, err := protocol.Encode(stop)
	if err != nil {
		return err
	}
	err = c.write(ctx, l, outFrame{typ: websocket.MessageText, data: b, kind: stop.Type})
	if errors.Is(err, errConnLost) {
		return nil
	}
	return err
}

// SendAudio queues one binary frame and never blocks. Frames are dropped,
// and false returned, unless a connection is open and the start message has
// been written on it, or when the connection's queue is full.
func (c *Client) SendAudio(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || !c.streaming || !c.startSent {
		c.metrics.RecordDrop(c.ctx, c.cfg.Name, "not_started")
		return false
	}
	select {
	case c.link.out <- outFrame{typ: websocket.MessageBinary, data: data}:
		return true
	default:
		c.metrics.RecordDrop(c.ctx, c.cfg.Name, "backpressure")
		return false
	}
}

// Close stops reconnecting and heartbeats, closes the connection and waits
// for the client's goroutines. No callback runs after Close returns. Close is
// idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

// write queues f on l and waits for the writer's result. It returns
// errConnLost when l stops before f is written.
func (c *Client) write(ctx context.Context, l *link, f outFrame) error {
	f.reply = make(chan error, 1)
	lost := fmt.Errorf("channel: %s: %w", c.cfg.Name, errConnLost)
	select {
	case l.out <- f:
	case <-l.done:
		return lost
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-f.reply:
		return err
	case <-l.done:
		select {
		case err := <-f.reply:
			return err
		default:
			return lost
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the only goroutine writing to l.conn. A failed write closes
// the connection so the read loop ends and the client reconnects.
func (c *Client) writeLoop(ctx context.Context, l *link) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-l.out:
			err := c.writeFrame(ctx, l.conn, f)
			if f.reply != nil {
				f.reply <- err
			}
			if err != nil {
				if f.typ == websocket.MessageBinary {
					c.metrics.RecordDrop(c.ctx, c.cfg.Name, "write_failed")
				}
				c.log.Warn("channel: write failed, dropping connection", "err", err)
				l.conn.CloseNow()
				return
			}
		}
	}
}

func (c *Client) writeFrame(ctx context.Context, conn *websocket.Conn, f outFrame) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, f.typ, f.data); err != nil {
		return fmt.Errorf("channel: %s: write: %w", c.cfg.Name, err)
	}
	if f.kind != "" {
		c.metrics.RecordMessage(c.ctx, c.cfg.Name, "out", string(f.kind))
	}
	return nil
}
// run dials, serves and redials until the client is closed or the reconnect
// budget runs out.
func (c *Client) run() {
	defer c.wg.Done()

	backoff := c.cfg.MinBackoff
	failures := 0
	for c.ctx.Err() == nil {
		began := time.Now()
		conn, _, err := websocket.Dial(c.ctx, c.cfg.URL, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			failures++
			c.metrics.RecordReconnect(c.ctx, c.cfg.Name, "error")
			if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
				c.giveUp(fmt.Errorf("%w: %s after %d attempts: %w", ErrBudgetExhausted, c.cfg.Name, failures, err))
				return
			}
			c.log.Warn("channel: dial failed", "attempt", failures, "retry_in", backoff, "err", err)
			if !c.sleep(backoff) {
				return
			}
			backoff = c.next(backoff)
			continue
		}

		c.metrics.RecordReconnect(c.ctx, c.cfg.Name, "ok")
		c.metrics.ChannelConnectDuration.Record(c.ctx, time.Since(began).Seconds(),
			metric.WithAttributes(observe.Attr("channel", c.cfg.Name)))
		failures = 0
		backoff = c.cfg.MinBackoff

		err = c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn("channel: connection lost", "retry_in", backoff, "err", err)
		if c.cfg.OnDrop != nil {
			c.cfg.OnDrop(err)
		}
		if !c.sleep(backoff) {
			return
		}
		backoff = c.next(backoff)
	}
}

func (c *Client) next(d time.Duration) time.Duration {
	return min(time.Duration(float64(d)*c.cfg.Factor), c.cfg.MaxBackoff)
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) giveUp(err error) {
	c.log.Error("channel: giving up", "err", err)
	c.mu.Lock()
	c.giveUpErr = err
	c.mu.Unlock()
	close(c.gaveUp)
	if c.cfg.OnGiveUp != nil {
		c.cfg.OnGiveUp(err)
	}
}

// serve owns one connection until it fails or the client closes.
func (c *Client) serve(conn *websocket.Conn) error {
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	connCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	l := &link{
		conn: conn,
		out:  make(chan outFrame, outboxSize),
		done: make(chan struct{}),
		gone: make(chan struct{}),
	}

	c.mu.Lock()
	if c.streaming {
		b, err := protocol.Encode(c.start)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("replay start: %w", err)
		}
		// The queue is empty, so this never blocks and nothing precedes it.
		l.out <- outFrame{typ: websocket.MessageText, data: b, kind: c.start.Type}
		c.startSent = true
		c.log.Info("channel: replaying start message")
	}
	c.link = l
	c.open = true
	close(c.openCh)
	c.mu.Unlock()

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		c.writeLoop(connCtx, l)
	}()
	if c.cfg.Heartbeat > 0 {
		workers.Add(1)
		go func() {
			defer workers.Done()
			c.heartbeat(connCtx, l)
		}()
	}

	c.metrics.ConnectedChannels.Add(c.ctx, 1)
	defer c.metrics.ConnectedChannels.Add(context.Background(), -1)
	c.log.Info("channel: connected")
	if c.cfg.OnOpen != nil {
		c.cfg.OnOpen()
	}

	err := c.readLoop(connCtx, conn)

	cancel()
	workers.Wait()

	c.mu.Lock()
	c.link = nil
	c.open = false
	c.startSent = false
	c.openCh = make(chan struct{})
	c.mu.Unlock()
	close(l.gone)
	return err
}

// heartbeat queues a ping every interval. A full queue means the peer is
// not reading, so the ping is skipped rather than waited for.
func (c *Client) heartbeat(ctx context.Context, l *link) {
	ping, err := protocol.Encode(protocol.Ping())
	if err != nil {
		c.log.Error("channel: encode ping", "err", err)
		return
	}
	t := time.NewTicker(c.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			select {
			case l.out <- outFrame{typ: websocket.MessageText, data: ping, kind: protocol.KindPing}:
			default:
				c.log.Debug("channel: heartbeat skipped, writer busy")
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			if c.cfg.OnBinary != nil {
				c.cfg.OnBinary(data)
			}
		case websocket.MessageText:
			msg, err := protocol.Decode(data)
			if err != nil {
				c.metrics.RecordDrop(ctx, c.cfg.Name, "malformed")
				c.log.Warn("channel: dropping malformed message", "err", err, "bytes", len(data))
				continue
			}
			c.metrics.RecordMessage(ctx, c.cfg.Name, "in", string(msg.Type))
			if c.cfg.OnControl != nil {
				c.cfg.OnControl(msg)
			}
		}
	}
}
