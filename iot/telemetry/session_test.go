package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/pulse/iot/session"
	"github.com/relabs-tech/pulse/iot/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	registerDev1Tok1 = `{"type":"register","sdid":"dev1","Authorization":"bearer tok1"}`
)

// fakeTransport is a Transport whose handshake is driven by the test
type fakeTransport struct {
	mu       sync.Mutex
	status   transport.Status
	sink     transport.EventSink
	url      string
	connects int
	sent     []string
}

func (f *fakeTransport) ConnectAsync(ctx context.Context, rawURL string, sink transport.EventSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != transport.StatusIdle {
		return transport.ErrNotIdle
	}
	f.connects++
	f.url = rawURL
	f.sink = sink
	f.status = transport.StatusConnecting
	return nil
}

func (f *fakeTransport) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == transport.StatusOpen {
		f.sent = append(f.sent, text)
	}
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == transport.StatusConnecting || f.status == transport.StatusOpen {
		f.status = transport.StatusClosed
	}
}

func (f *fakeTransport) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// open completes the handshake
func (f *fakeTransport) open() {
	f.mu.Lock()
	f.status = transport.StatusOpen
	sink := f.sink
	f.mu.Unlock()
	sink.OnOpen()
}

// remoteClose lets the server close the connection
func (f *fakeTransport) remoteClose() {
	f.mu.Lock()
	f.status = transport.StatusClosed
	sink := f.sink
	f.mu.Unlock()
	sink.OnClose(1001, "going away", true)
}

// fail lets the handshake fail
func (f *fakeTransport) fail() {
	f.mu.Lock()
	f.status = transport.StatusClosed
	sink := f.sink
	f.mu.Unlock()
	sink.OnError(context.DeadlineExceeded)
}

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// factory creates fake transports and remembers them
type factory struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (f *factory) newTransport() Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{}
	f.transports = append(f.transports, t)
	return t
}

func (f *factory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *factory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[len(f.transports)-1]
}

func newTestSession(t *testing.T, options Options) (*Session, *session.State, *factory) {
	state := session.New()
	f := &factory{}
	options.NewTransport = f.newTransport
	s := New(state, options)
	t.Cleanup(s.Close)
	return s, state, f
}

func login(state *session.State) {
	state.SetAccessToken("tok1")
	state.SetDeviceID("dev1")
}

func TestDefaultURL(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	assert.Equal(t, DefaultURL, s.URL())

	s, _, _ = newTestSession(t, Options{URL: "ws://localhost:8080/v1.1/websocket"})
	assert.Equal(t, "ws://localhost:8080/v1.1/websocket?ack=true", s.URL())

	s, _, _ = newTestSession(t, Options{URL: "ws://localhost:8080/websocket?ack=false"})
	assert.Equal(t, "ws://localhost:8080/websocket?ack=true", s.URL())
}

func TestRegisterOnOpen(t *testing.T) {
	s, state, f := newTestSession(t, Options{})
	login(state)
	assert.Equal(t, transport.StatusIdle, s.Status())

	s.SubmitSample(72, 1000)
	s.Flush()
	require.Equal(t, 1, f.count())
	handle := f.last()
	assert.Equal(t, transport.StatusConnecting, s.Status())
	assert.Equal(t, DefaultURL, handle.url)
	// the sample which triggered the connect is dropped
	assert.Empty(t, handle.messages())

	handle.open()
	s.Flush()
	assert.True(t, s.IsConnected())
	assert.Equal(t, []string{registerDev1Tok1}, handle.messages())

	// samples on the open connection go straight out, without a new register
	s.SubmitSample(75, 2000)
	s.Flush()
	assert.Equal(t, []string{
		registerDev1Tok1,
		`{"sdid":"dev1","ts":2000,"data":{"heart_rate":75}}`,
	}, handle.messages())

	stats := s.Stats()
	assert.Equal(t, Stats{SamplesSent: 1, SamplesDropped: 1, Registrations: 1, ConnectAttempts: 1}, stats)
}

func TestSingleConnectAttempt(t *testing.T) {
	s, state, f := newTestSession(t, Options{})
	login(state)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.EnsureConnected()
			s.SubmitSample(60+i, int64(i))
			s.EnsureConnected()
		}(i)
	}
	wg.Wait()
	s.Flush()

	require.Equal(t, 1, f.count())
	handle := f.last()
	assert.Equal(t, 1, handle.connects)
	assert.Equal(t, 1, s.Stats().ConnectAttempts)

	handle.open()
	s.EnsureConnected()
	s.Flush()
	assert.Equal(t, 1, f.count())
	assert.Equal(t, []string{registerDev1Tok1}, handle.messages())
}

func TestReconnectAfterClose(t *testing.T) {
	s, state, f := newTestSession(t, Options{})
	login(state)

	s.SubmitSample(72, 1000)
	s.Flush()
	first := f.last()
	first.open()
	s.SubmitSample(75, 2000)
	s.Flush()

	first.remoteClose()
	s.Flush()
	assert.Equal(t, transport.StatusClosed, s.Status())
	// no reconnect until the next sample
	assert.Equal(t, 1, f.count())

	s.SubmitSample(80, 3000)
	s.Flush()
	require.Equal(t, 2, f.count())
	second := f.last()
	assert.Equal(t, 1, second.connects)
	assert.Equal(t, transport.StatusConnecting, s.Status())

	second.open()
	s.SubmitSample(81, 4000)
	s.Flush()
	assert.Equal(t, []string{
		registerDev1Tok1,
		`{"sdid":"dev1","ts":4000,"data":{"heart_rate":81}}`,
	}, second.messages())
	assert.Equal(t, 2, s.Stats().Registrations)
}

func TestReconnectAfterFailedConnect(t *testing.T) {
	s, state, f := newTestSession(t, Options{})
	login(state)

	s.SubmitSample(72, 1000)
	s.Flush()
	f.last().fail()
	s.Flush()
	assert.Equal(t, transport.StatusClosed, s.Status())

	s.SubmitSample(73, 2000)
	s.Flush()
	assert.Equal(t, 2, f.count())
	assert.Equal(t, 2, s.Stats().ConnectAttempts)
}

func TestIdentityAtOpenWins(t *testing.T) {
	s, state, f := newTestSession(t, Options{})
	login(state)

	s.SubmitSample(72, 1000)
	s.Flush()
	state.SetAccessToken("tok2")
	f.last().open()
	s.Flush()
	assert.Equal(t, []string{`{"type":"register","sdid":"dev1","Authorization":"bearer tok2"}`}, f.last().messages())
}

func TestIncompleteIdentityAtOpen(t *testing.T) {
	s, state, f := newTestSession(t, Options{})
	login(state)

	s.SubmitSample(72, 1000)
	s.Flush()
	state.SetDeviceID("")
	handle := f.last()
	handle.open()
	s.Flush()
	assert.Empty(t, handle.messages())
	assert.Equal(t, transport.StatusClosed, handle.Status())
}

func TestSubmitWithoutIdentity(t *testing.T) {
	s, state, f := newTestSession(t, Options{})

	s.SubmitSample(72, 1000)
	s.Flush()
	assert.Equal(t, 0, f.count())

	state.SetAccessToken("tok1")
	s.SubmitSample(72, 1000)
	s.Flush()
	assert.Equal(t, 0, f.count())
	assert.Equal(t, 2, s.Stats().SamplesDropped)
}

func TestResetWhileOpen(t *testing.T) {
	s, state, f := newTestSession(t, Options{})
	login(state)

	s.SubmitSample(72, 1000)
	s.Flush()
	handle := f.last()
	handle.open()
	s.Flush()

	state.Reset()
	s.Flush()
	assert.Equal(t, session.Identity{}, state.Identity())
	assert.Equal(t, transport.StatusClosed, handle.Status())
	assert.Equal(t, transport.StatusIdle, s.Status())

	// the stale token is never used again
	s.SubmitSample(75, 2000)
	s.Flush()
	assert.Equal(t, 1, f.count())
	assert.Equal(t, []string{registerDev1Tok1}, handle.messages())

	// a late open of the dropped handle does not register anything
	handle.sink.OnOpen()
	s.Flush()
	assert.Equal(t, []string{registerDev1Tok1}, handle.messages())

	// reset twice is fine
	state.Reset()
	s.Flush()
	assert.Equal(t, transport.StatusIdle, s.Status())
}

// gatedTransport holds the session's loop inside ConnectAsync until the gate opens
type gatedTransport struct {
	*fakeTransport
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedTransport) ConnectAsync(ctx context.Context, rawURL string, sink transport.EventSink) error {
	close(g.entered)
	<-g.gate
	return g.fakeTransport.ConnectAsync(ctx, rawURL, sink)
}

func TestResetWithFullQueue(t *testing.T) {
	handle := &gatedTransport{
		fakeTransport: &fakeTransport{},
		entered:       make(chan struct{}),
		gate:          make(chan struct{}),
	}
	state := session.New()
	s := New(state, Options{QueueSize: 1, NewTransport: func() Transport { return handle }})
	t.Cleanup(s.Close)
	var release sync.Once
	openGate := func() { release.Do(func() { close(handle.gate) }) }
	t.Cleanup(openGate)
	login(state)

	s.SubmitSample(72, 1000)
	<-handle.entered
	// the loop is busy connecting and the queue is full
	s.SubmitSample(73, 2000)

	reset := make(chan struct{})
	go func() {
		state.Reset()
		close(reset)
	}()
	select {
	case <-reset:
	case <-time.After(time.Second):
		t.Fatal("Reset blocked on a full task queue")
	}

	openGate()
	require.Eventually(t, func() bool {
		return s.Status() == transport.StatusIdle
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, transport.StatusClosed, handle.Status())
	assert.Empty(t, handle.messages())
}

func TestDisconnect(t *testing.T) {
	s, state, f := newTestSession(t, Options{})
	login(state)

	// no connection, nothing to do
	s.Disconnect()
	s.Flush()
	assert.Equal(t, transport.StatusIdle, s.Status())

	s.SubmitSample(72, 1000)
	s.Flush()
	handle := f.last()
	handle.open()
	s.Disconnect()
	assert.Equal(t, transport.StatusClosed, s.Status())
	assert.Equal(t, "tok1", state.AccessToken())
	assert.Equal(t, "dev1", state.DeviceID())

	// connecting handles are aborted as well
	s.SubmitSample(73, 2000)
	s.Flush()
	require.Equal(t, 2, f.count())
	s.Disconnect()
	assert.Equal(t, transport.StatusClosed, s.Status())
}

func TestKeepPendingSample(t *testing.T) {
	s, state, f := newTestSession(t, Options{KeepPendingSample: true})
	login(state)

	s.SubmitSample(70, 900)
	s.SubmitSample(72, 1000)
	s.Flush()
	handle := f.last()
	handle.open()
	s.Flush()

	// only the most recent pending sample survives, right after the register message
	assert.Equal(t, []string{
		registerDev1Tok1,
		`{"sdid":"dev1","ts":1000,"data":{"heart_rate":72}}`,
	}, handle.messages())
	stats := s.Stats()
	assert.Equal(t, 1, stats.SamplesSent)
	assert.Equal(t, 1, stats.SamplesDropped)
}

func TestRegisterBeforeOpenEvent(t *testing.T) {
	s, state, f := newTestSession(t, Options{})
	login(state)

	s.SubmitSample(72, 1000)
	s.Flush()
	handle := f.last()

	// the socket is open but the open event has not reached the session yet
	handle.mu.Lock()
	handle.status = transport.StatusOpen
	handle.mu.Unlock()
	s.SubmitSample(75, 2000)
	s.Flush()
	handle.sink.OnOpen()
	s.Flush()

	assert.Equal(t, []string{
		registerDev1Tok1,
		`{"sdid":"dev1","ts":2000,"data":{"heart_rate":75}}`,
	}, handle.messages())
}

func TestClose(t *testing.T) {
	state := session.New()
	f := &factory{}
	s := New(state, Options{NewTransport: f.newTransport})
	login(state)
	s.SubmitSample(72, 1000)
	s.Flush()
	handle := f.last()
	handle.open()
	s.Flush()

	s.Close()
	assert.Equal(t, transport.StatusClosed, handle.Status())
	assert.Equal(t, transport.StatusClosed, s.Status())
	assert.Equal(t, 1, s.Stats().Registrations)

	// everything is a no-op after Close
	s.SubmitSample(75, 2000)
	s.EnsureConnected()
	s.Disconnect()
	state.Reset()
	s.Close()
	assert.Equal(t, 1, f.count())
}
