package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relabs-tech/pulse/core/logger"
	"github.com/sirupsen/logrus"
)

// Status is the state of a connection
type Status int32

const (
	// StatusIdle is a connection which never tried to connect
	StatusIdle Status = iota
	// StatusConnecting is a connection waiting for the websocket handshake
	StatusConnecting
	// StatusOpen is an established connection
	StatusOpen
	// StatusClosed is a failed or closed connection. It cannot be reused.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// ErrNotIdle is returned when Connect is called on a connection which was used before
var ErrNotIdle = errors.New("connection was already used")

// errAborted is returned by dial when the connection was closed during the handshake
var errAborted = errors.New("connection closed during handshake")

const (
	// DefaultHandshakeTimeout bounds a connect attempt unless Options say otherwise
	DefaultHandshakeTimeout = 15 * time.Second

	writeWait        = 10 * time.Second
	closeGracePeriod = time.Second
)

// Options configure a connection
type Options struct {
	// HandshakeTimeout bounds the websocket handshake. Zero means DefaultHandshakeTimeout,
	// a negative value waits forever.
	HandshakeTimeout time.Duration
	// TLSConfig is an optional TLS configuration for wss urls
	TLSConfig *tls.Config
	// InsecureSkipVerify accepts any server certificate and host name.
	InsecureSkipVerify bool
	// Header is sent with the handshake request
	Header http.Header
	// ReadLimit is the maximum size of an incoming message. Zero means no limit.
	ReadLimit int64
}

// Connection is one websocket connection and its life cycle
type Connection struct {
	options Options

	mu     sync.Mutex
	status Status
	conn   *websocket.Conn
	cancel context.CancelFunc
	sink   EventSink
	rlog   *logrus.Entry
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New returns a new idle connection
func New(options Options) *Connection {
	if options.HandshakeTimeout == 0 {
		options.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Connection{
		options: options,
		done:    make(chan struct{}),
		rlog:    logger.Default(),
	}
}

// Status returns the current state of the connection
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected returns true if the websocket is open
func (c *Connection) IsConnected() bool {
	return c.Status() == StatusOpen
}

// IsConnecting returns true while the websocket handshake is in progress
func (c *Connection) IsConnecting() bool {
	return c.Status() == StatusConnecting
}

// Connect connects to rawURL and blocks until the handshake succeeded or failed.
// The outcome is reported to sink from the calling goroutine. On failure the
// connection is closed and the error is returned; Connect never panics.
func (c *Connection) Connect(ctx context.Context, rawURL string, sink EventSink) error {
	ctx, err := c.begin(ctx, rawURL, sink)
	if err != nil {
		return err
	}
	return c.dial(ctx, rawURL)
}

// ConnectAsync moves the connection to connecting and runs the handshake in the
// background. It only returns errors which are detected before dialing, like a
// malformed url or a used connection; these are not reported to the sink.
func (c *Connection) ConnectAsync(ctx context.Context, rawURL string, sink EventSink) error {
	ctx, err := c.begin(ctx, rawURL, sink)
	if err != nil {
		return err
	}
	go c.dial(ctx, rawURL)
	return nil
}

func (c *Connection) begin(ctx context.Context, rawURL string, sink EventSink) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if sink == nil {
		sink = Events{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusIdle {
		return ctx, ErrNotIdle
	}
	c.rlog = logger.FromContext(ctx).WithField("url", rawURL)

	u, err := url.Parse(rawURL)
	if err == nil && u.Scheme != "ws" && u.Scheme != "wss" {
		err = fmt.Errorf("unsupported scheme '%s'", u.Scheme)
	}
	if err != nil {
		c.status = StatusClosed
		close(c.done)
		c.rlog.WithError(err).Errorln("cannot connect to malformed url")
		return ctx, fmt.Errorf("malformed url: %w", err)
	}

	if c.options.HandshakeTimeout > 0 {
		ctx, c.cancel = context.WithTimeout(ctx, c.options.HandshakeTimeout)
	} else {
		ctx, c.cancel = context.WithCancel(ctx)
	}
	c.sink = sink
	c.status = StatusConnecting
	return ctx, nil
}

func (c *Connection) tlsConfig() *tls.Config {
	var config *tls.Config
	if c.options.TLSConfig != nil {
		config = c.options.TLSConfig.Clone()
	}
	if c.options.InsecureSkipVerify {
		if config == nil {
			config = &tls.Config{}
		}
		c.rlog.Warnln("TLS certificate and host name verification is DISABLED for this connection")
		config.InsecureSkipVerify = true
	}
	return config
}

func (c *Connection) dial(ctx context.Context, rawURL string) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.options.HandshakeTimeout,
		TLSClientConfig:  c.tlsConfig(),
	}
	if dialer.HandshakeTimeout < 0 {
		dialer.HandshakeTimeout = 0
	}

	conn, _, err := dialer.DialContext(ctx, rawURL, c.options.Header)

	c.mu.Lock()
	c.cancel()
	if c.status != StatusConnecting {
		// closed while we were dialing
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.rlog.Debugln("connection closed during handshake")
		return errAborted
	}
	if err != nil {
		c.status = StatusClosed
		close(c.done)
		sink := c.sink
		c.mu.Unlock()
		c.rlog.WithError(err).Errorln("cannot connect")
		sink.OnError(err)
		return fmt.Errorf("cannot connect: %w", err)
	}
	if c.options.ReadLimit > 0 {
		conn.SetReadLimit(c.options.ReadLimit)
	}
	c.conn = conn
	c.status = StatusOpen
	sink := c.sink
	c.mu.Unlock()

	c.rlog.Infoln("websocket open")
	sink.OnOpen()
	go c.readPump(conn)
	return nil
}

func (c *Connection) readPump(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(conn, err)
			return
		}
		if messageType != websocket.TextMessage {
			c.rlog.Debugf("ignoring message of type %d (%d bytes)", messageType, len(data))
			continue
		}
		c.sink.OnMessage(string(data))
	}
}

// finish is called when the read pump ends. It closes the socket and reports
// the close exactly once.
func (c *Connection) finish(conn *websocket.Conn, err error) {
	c.mu.Lock()
	local := c.status == StatusClosed
	c.status = StatusClosed
	c.mu.Unlock()

	conn.Close()
	close(c.done)

	code := websocket.CloseNormalClosure
	reason := ""
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
		reason = closeErr.Text
	} else if !local {
		code = websocket.CloseAbnormalClosure
		reason = err.Error()
		c.rlog.WithError(err).Warnln("websocket failed")
		c.sink.OnError(err)
	}

	c.closeOnce.Do(func() {
		c.rlog.Infof("websocket closed, code=%d reason='%s' remote=%t", code, reason, !local)
		c.sink.OnClose(code, reason, !local)
	})
}

// Send writes one text frame. It is a no-op unless the connection is open.
func (c *Connection) Send(text string) error {
	c.mu.Lock()
	if c.status != StatusOpen {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.rlog.WithError(err).Warnln("cannot send message")
		return fmt.Errorf("cannot send message: %w", err)
	}
	return nil
}

// Close closes the connection. It is a no-op for idle or closed connections.
// A connection in the middle of its handshake is aborted.
func (c *Connection) Close() {
	c.mu.Lock()
	switch c.status {
	case StatusConnecting:
		c.status = StatusClosed
		close(c.done)
		cancel := c.cancel
		c.mu.Unlock()
		cancel()
		c.rlog.Infoln("connect aborted")
		return
	case StatusOpen:
		c.status = StatusClosed
		conn := c.conn
		c.mu.Unlock()

		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait)); err != nil {
			conn.Close()
			return
		}
		// give the server a chance to answer the close frame, then cut the socket
		go func() {
			select {
			case <-c.done:
			case <-time.After(closeGracePeriod):
				conn.Close()
			}
		}()
		return
	}
	c.mu.Unlock()
}

// Done returns a channel which is closed once the connection reached its final
// closed state and its goroutines have finished.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}
