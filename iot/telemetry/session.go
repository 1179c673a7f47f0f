package telemetry

import (
	"context"
	"net/url"
	"sync"

	"github.com/relabs-tech/pulse/core/logger"
	"github.com/relabs-tech/pulse/iot/session"
	"github.com/relabs-tech/pulse/iot/transport"
	"github.com/sirupsen/logrus"
)

// DefaultURL is the websocket endpoint of the platform
const DefaultURL = "wss://api.samsungsami.io/v1.1/websocket?ack=true"

const defaultQueueSize = 64

// Transport is the connection a Session drives. *transport.Connection implements it.
type Transport interface {
	ConnectAsync(ctx context.Context, rawURL string, sink transport.EventSink) error
	Send(text string) error
	Close()
	Status() transport.Status
}

// Options configure a Session
type Options struct {
	// URL is the websocket endpoint. Default is DefaultURL. The query parameter
	// ack=true is always added.
	URL string
	// Transport configures the connections created by the session
	Transport transport.Options
	// NewTransport creates a new connection. Default creates a transport.Connection
	// with the Transport options.
	NewTransport func() Transport
	// KeepPendingSample keeps the sample which triggered a connect and sends it right
	// after registration. By default that sample is dropped.
	KeepPendingSample bool
	// QueueSize is the capacity of the task queue. Samples submitted to a full
	// queue are dropped.
	QueueSize int
}

// Stats counts what happened on a session
type Stats struct {
	SamplesSent     int
	SamplesDropped  int
	Registrations   int
	ConnectAttempts int
}

// Session streams samples over a lazily connected websocket.
//
// All work happens on one goroutine which consumes a task queue. Callers and
// transport events only post tasks, so the connection handle, the registration
// flag and the pending sample are never touched concurrently.
type Session struct {
	state   *session.State
	options Options
	url     string
	rlog    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	tasks     chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	unregisterReset func()

	// owned by the loop
	handle     Transport
	registered bool
	pending    *Sample
	stats      Stats
	finalStats Stats
}

// New creates a session for state and starts its task loop. Call Close to stop it.
func New(state *session.State, options Options) *Session {
	if options.URL == "" {
		options.URL = DefaultURL
	}
	if options.QueueSize <= 0 {
		options.QueueSize = defaultQueueSize
	}
	if options.NewTransport == nil {
		transportOptions := options.Transport
		options.NewTransport = func() Transport {
			return transport.New(transportOptions)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		state:   state,
		options: options,
		url:     withAck(options.URL),
		rlog:    logger.Default().WithField("component", "telemetry"),
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(chan func(), options.QueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.unregisterReset = state.OnReset(s.reset)
	go s.loop()
	return s
}

// withAck makes sure the url asks for acknowledgements
func withAck(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		// the transport reports the malformed url on connect
		return rawURL
	}
	q := u.Query()
	q.Set("ack", "true")
	u.RawQuery = q.Encode()
	return u.String()
}

// URL returns the websocket endpoint the session connects to
func (s *Session) URL() string {
	return s.url
}

func (s *Session) loop() {
	defer close(s.stopped)
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.quit:
			if s.handle != nil {
				s.handle.Close()
				s.handle = nil
			}
			s.finalStats = s.stats
			return
		}
	}
}

// post enqueues a task without blocking. It returns false if the queue is full
// or the session is closed.
func (s *Session) post(task func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.tasks <- task:
		return true
	default:
		return false
	}
}

// postWait enqueues a task and waits for room in the queue if necessary
func (s *Session) postWait(task func()) bool {
	select {
	case <-s.quit:
		return false
	case s.tasks <- task:
		return true
	}
}

// query runs f on the loop and waits for it to finish
func (s *Session) query(f func()) bool {
	done := make(chan struct{})
	if !s.postWait(func() { f(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-s.stopped:
		return false
	}
}

// SubmitSample hands a heart rate sample to the session. It never blocks: the
// sample is sent when the websocket is open and registered, otherwise it triggers
// a connect.
func (s *Session) SubmitSample(heartRate int, timestamp int64) {
	sample := Sample{HeartRate: heartRate, Timestamp: timestamp}
	if !s.post(func() { s.submit(sample) }) {
		s.rlog.Warnf("task queue not available, dropping sample ts=%d", timestamp)
	}
}

// EnsureConnected starts a connect unless one is already in progress or the
// websocket is open.
func (s *Session) EnsureConnected() {
	s.postWait(s.ensureConnected)
}

// Disconnect closes the websocket if it is connecting or open. The identity is
// left alone, the next sample connects again.
func (s *Session) Disconnect() {
	s.postWait(func() {
		if s.handle == nil {
			return
		}
		switch s.handle.Status() {
		case transport.StatusConnecting, transport.StatusOpen:
			s.rlog.Infoln("disconnect")
			s.handle.Close()
			s.registered = false
		}
	})
}

// Status returns the state of the current connection. Without a connection it
// is idle; after Close it is closed.
func (s *Session) Status() transport.Status {
	status := transport.StatusClosed
	s.query(func() {
		if s.handle == nil {
			status = transport.StatusIdle
			return
		}
		status = s.handle.Status()
	})
	return status
}

// IsConnected returns true if the websocket is open
func (s *Session) IsConnected() bool {
	return s.Status() == transport.StatusOpen
}

// IsConnecting returns true while a connect is in progress
func (s *Session) IsConnecting() bool {
	return s.Status() == transport.StatusConnecting
}

// Stats returns the session's counters
func (s *Session) Stats() Stats {
	var stats Stats
	if !s.query(func() { stats = s.stats }) {
		<-s.stopped
		return s.finalStats
	}
	return stats
}

// Flush waits until all tasks posted so far have been processed
func (s *Session) Flush() {
	s.query(func() {})
}

// Close stops the task loop and closes the websocket
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.unregisterReset()
		close(s.quit)
		<-s.stopped
		s.cancel()
	})
}

func (s *Session) submit(sample Sample) {
	identity := s.state.Identity()
	if !identity.Complete() {
		s.stats.SamplesDropped++
		s.rlog.Warnf("no access token or device id, dropping sample ts=%d", sample.Timestamp)
		return
	}

	if s.handle == nil || s.handle.Status() != transport.StatusOpen {
		s.ensureConnected()
		if s.options.KeepPendingSample {
			if s.pending != nil {
				s.stats.SamplesDropped++
			}
			s.pending = &sample
			return
		}
		s.stats.SamplesDropped++
		s.rlog.Debugf("websocket not open, dropping sample ts=%d", sample.Timestamp)
		return
	}

	s.send(identity, sample)
}

// send delivers a sample on the open handle, registering the connection first
// if that has not happened yet.
func (s *Session) send(identity session.Identity, sample Sample) {
	if !s.registered && !s.register(identity) {
		s.stats.SamplesDropped++
		return
	}
	text, err := NewTelemetryMessage(identity.DeviceID, sample).Encode()
	if err != nil {
		s.stats.SamplesDropped++
		s.rlog.WithError(err).Errorln("dropping sample")
		return
	}
	if err := s.handle.Send(text); err != nil {
		s.stats.SamplesDropped++
		return
	}
	s.stats.SamplesSent++
	s.rlog.Debugf("sent %s", text)
}

func (s *Session) register(identity session.Identity) bool {
	if s.handle == nil || s.handle.Status() != transport.StatusOpen {
		return false
	}
	message, err := NewRegisterMessage(identity)
	if err != nil {
		s.rlog.WithError(err).Errorln("cannot register websocket")
		return false
	}
	text, err := message.Encode()
	if err != nil {
		s.rlog.WithError(err).Errorln("cannot register websocket")
		return false
	}
	if err := s.handle.Send(text); err != nil {
		return false
	}
	s.registered = true
	s.stats.Registrations++
	s.rlog.WithField("sdid", identity.DeviceID).Infoln("registered websocket")
	return true
}

func (s *Session) ensureConnected() {
	if s.handle != nil {
		switch s.handle.Status() {
		case transport.StatusConnecting, transport.StatusOpen:
			return
		case transport.StatusClosed:
			// closed handles are discarded, idle ones are used
			s.handle = nil
		}
	}
	if s.handle == nil {
		s.handle = s.options.NewTransport()
		s.registered = false
	}

	ctx, rlog := logger.ContextWithConnection(s.ctx, s.state.DeviceID())
	handle := s.handle
	s.stats.ConnectAttempts++
	rlog.Infoln("connecting websocket")
	sink := &events{session: s, handle: handle, rlog: rlog}
	if err := handle.ConnectAsync(ctx, s.url, sink); err != nil {
		rlog.WithError(err).Errorln("cannot connect websocket")
	}
}

// reset is the session's reset hook. It never blocks the caller: if the task
// queue is full, a goroutine waits for room and posts the drop then.
func (s *Session) reset() {
	if !s.post(s.dropHandle) {
		go s.postWait(s.dropHandle)
	}
}

// dropHandle forgets the current handle after a reset and closes it
func (s *Session) dropHandle() {
	s.pending = nil
	if s.handle == nil {
		return
	}
	s.rlog.Infoln("session reset, dropping websocket")
	s.handle.Close()
	s.handle = nil
	s.registered = false
}

func (s *Session) opened(handle Transport, rlog *logrus.Entry) {
	if handle != s.handle {
		rlog.Infoln("websocket of a dropped session opened, closing it")
		handle.Close()
		return
	}
	if handle.Status() != transport.StatusOpen {
		return
	}
	if !s.registered {
		if !s.register(s.state.Identity()) {
			handle.Close()
			return
		}
	}
	if s.pending != nil {
		sample := *s.pending
		s.pending = nil
		s.send(s.state.Identity(), sample)
	}
}

func (s *Session) closed(handle Transport) {
	if handle != s.handle {
		return
	}
	// no reconnect here, the next sample does that
	s.registered = false
}

// events forwards transport events of one handle to the session's loop
type events struct {
	session *Session
	handle  Transport
	rlog    *logrus.Entry
}

func (e *events) OnOpen() {
	e.session.postWait(func() { e.session.opened(e.handle, e.rlog) })
}

func (e *events) OnMessage(message string) {
	inbound, err := ParseInbound(message)
	switch {
	case err != nil:
		e.rlog.WithError(err).Warnln("ignoring inbound message")
	case inbound.Error != nil:
		e.rlog.Warnln("platform reported", inbound.Error.Error())
	default:
		e.rlog.Debugf("inbound message %s", message)
	}
}

func (e *events) OnClose(code int, reason string, remote bool) {
	e.rlog.Infof("websocket closed, code=%d reason='%s' remote=%t", code, reason, remote)
	e.session.postWait(func() { e.session.closed(e.handle) })
}

func (e *events) OnError(err error) {
	e.rlog.WithError(err).Warnln("websocket error")
	e.session.postWait(func() { e.session.closed(e.handle) })
}
