package simulator

import (
	"crypto/rand"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/relabs-tech/pulse/core/logger"
	"github.com/relabs-tech/pulse/core/schema"
	"github.com/relabs-tech/pulse/iot"
	"github.com/relabs-tech/pulse/iot/catalog"
	"github.com/relabs-tech/pulse/iot/telemetry"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultIssuer is the issuer of access tokens
	DefaultIssuer = "pulse-simulator"
	// DefaultTokenLifetime is the lifetime of access tokens
	DefaultTokenLifetime = 14 * 24 * time.Hour
	// DefaultUserID is the user who logs in when the authorize request names none
	DefaultUserID = "simulated-user"
)

// Builder is a builder helper for the Simulator
type Builder struct {
	// Secret signs the access tokens. Default is a random secret.
	Secret []byte
	// Issuer is the issuer of access tokens. Default is DefaultIssuer.
	Issuer string
	// TokenLifetime is the lifetime of access tokens. Zero means DefaultTokenLifetime,
	// a negative lifetime issues tokens which are already expired.
	TokenLifetime time.Duration
	// Devices is the device list of every user. If it is empty, any device id
	// can register.
	Devices []catalog.Device
	// PingInterval is the interval of ping messages on registered websockets.
	// Zero disables pings.
	PingInterval time.Duration
	// RegisterTimeout is the time a client has to register after connecting.
	// Default is 30 seconds.
	RegisterTimeout time.Duration
	// Publisher receives every accepted telemetry message. Optional.
	Publisher iot.MessagePublisher
}

// Registration is a successful register message
type Registration struct {
	ConnectionID string
	SDID         string
	UserID       string
}

// Record is an accepted telemetry message
type Record struct {
	ConnectionID string
	MessageID    string
	SDID         string
	Timestamp    int64
	HeartRate    int
}

// Simulator is a small websocket IoT platform for tests and local development.
// It implements the implicit flow authorize endpoint, the device list and the
// websocket endpoint.
type Simulator struct {
	router          *mux.Router
	validator       *schema.Validator
	upgrader        websocket.Upgrader
	secret          []byte
	issuer          string
	tokenLifetime   time.Duration
	devices         []catalog.Device
	pingInterval    time.Duration
	registerTimeout time.Duration
	publisher       iot.MessagePublisher
	logWriter       *io.PipeWriter

	mutex         sync.Mutex
	connections   map[*connection]bool
	accepted      int
	registrations []Registration
	records       []Record
}

// New returns a new simulator
func New(b *Builder) *Simulator {
	validator, err := schema.NewValidatorFromFS(telemetry.Schemas, "schemas")
	if err != nil {
		panic(err)
	}

	secret := b.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(err)
		}
	}

	s := &Simulator{
		router:          mux.NewRouter(),
		validator:       validator,
		secret:          secret,
		issuer:          b.Issuer,
		tokenLifetime:   b.TokenLifetime,
		devices:         append([]catalog.Device(nil), b.Devices...),
		pingInterval:    b.PingInterval,
		registerTimeout: b.RegisterTimeout,
		publisher:       b.Publisher,
		connections:     make(map[*connection]bool),
	}
	if s.issuer == "" {
		s.issuer = DefaultIssuer
	}
	if s.tokenLifetime == 0 {
		s.tokenLifetime = DefaultTokenLifetime
	}
	if s.registerTimeout <= 0 {
		s.registerTimeout = 30 * time.Second
	}
	s.upgrader = websocket.Upgrader{
		// the platform accepts clients from any origin
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	logger.AddRequestID(s.router)
	s.handleRoutes()
	return s
}

// Router returns the simulator's router
func (s *Simulator) Router() *mux.Router {
	return s.router
}

// Handler returns the simulator's router wrapped with request logging and panic recovery
func (s *Simulator) Handler() http.Handler {
	s.mutex.Lock()
	if s.logWriter == nil {
		s.logWriter = logger.Default().WriterLevel(logrus.DebugLevel)
	}
	writer := s.logWriter
	s.mutex.Unlock()
	return handlers.RecoveryHandler(handlers.RecoveryLogger(logger.Default()))(
		handlers.LoggingHandler(writer, s.router),
	)
}

func (s *Simulator) handleRoutes() {
	rlog := logger.Default()
	rlog.Debugln("simulator")
	rlog.Debugln("  handle route: /authorize GET")
	s.router.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodGet)
	rlog.Debugln("  handle route: /logout GET")
	s.router.HandleFunc("/logout", s.handleLogout).Methods(http.MethodGet)
	rlog.Debugln("  handle route: /v1.1/users/self GET")
	s.router.HandleFunc("/v1.1/users/self", s.handleSelf).Methods(http.MethodGet)
	rlog.Debugln("  handle route: /v1.1/users/{user_id}/devices GET")
	s.router.HandleFunc("/v1.1/users/{user_id}/devices", s.handleDevices).Methods(http.MethodGet)
	rlog.Debugln("  handle route: /v1.1/websocket GET")
	s.router.HandleFunc("/v1.1/websocket", s.handleWebsocket).Methods(http.MethodGet)
}

// handleAuthorize logs in a user without asking and redirects with the access
// token in the fragment. The query parameter login_hint selects the user.
func (s *Simulator) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	query := r.URL.Query()
	redirectURI := query.Get("redirect_uri")
	if query.Get("response_type") != "token" {
		http.Error(w, "only response_type=token is supported", http.StatusBadRequest)
		return
	}
	if len(query.Get("client_id")) == 0 || len(redirectURI) == 0 {
		http.Error(w, "client_id and redirect_uri are required", http.StatusBadRequest)
		return
	}
	userID := query.Get("login_hint")
	if len(userID) == 0 {
		userID = DefaultUserID
	}

	token, err := s.IssueToken(userID)
	if err != nil {
		rlog.WithError(err).Errorln("cannot issue token")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fragment := url.Values{}
	fragment.Set("expires_in", strconv.Itoa(int(s.tokenLifetime.Seconds())))
	fragment.Set("token_type", "bearer")
	fragment.Set("access_token", token)
	if state := query.Get("state"); len(state) > 0 {
		fragment.Set("state", state)
	}
	rlog.WithField("user", userID).Infoln("issued access token")
	http.Redirect(w, r, redirectURI+"#"+fragment.Encode(), http.StatusFound)
}

func (s *Simulator) handleLogout(w http.ResponseWriter, r *http.Request) {
	redirectURI := r.URL.Query().Get("redirect_uri")
	if len(redirectURI) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, redirectURI, http.StatusFound)
}

func (s *Simulator) handleSelf(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verifyBearer(r.Header.Get("Authorization"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]interface{}{
		"data": map[string]string{"id": claims.Subject, "name": claims.Subject},
	})
}

func (s *Simulator) handleDevices(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verifyBearer(r.Header.Get("Authorization"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if userID := mux.Vars(r)["user_id"]; userID != claims.Subject {
		http.Error(w, "token does not belong to user "+userID, http.StatusForbidden)
		return
	}
	writeJSON(w, map[string]interface{}{
		"data": map[string]interface{}{"devices": s.devices},
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	body, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Simulator) knowsDevice(sdid string) bool {
	if len(s.devices) == 0 {
		return true
	}
	for _, device := range s.devices {
		if strings.EqualFold(device.ID, sdid) {
			return true
		}
	}
	return false
}

// Connections returns the number of currently open websockets
func (s *Simulator) Connections() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.connections)
}

// Accepted returns the number of websockets accepted since start
func (s *Simulator) Accepted() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.accepted
}

// Registrations returns all successful registrations
func (s *Simulator) Registrations() []Registration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]Registration(nil), s.registrations...)
}

// Records returns all accepted telemetry messages
func (s *Simulator) Records() []Record {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]Record(nil), s.records...)
}

// HeartRates returns the heart rates of all accepted telemetry messages of sdid
func (s *Simulator) HeartRates(sdid string) []int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	result := []int{}
	for _, record := range s.records {
		if record.SDID == sdid {
			result = append(result, record.HeartRate)
		}
	}
	return result
}

// DropConnections closes all open websockets with close code 1001 (going away)
// and returns their number
func (s *Simulator) DropConnections() int {
	s.mutex.Lock()
	connections := make([]*connection, 0, len(s.connections))
	for c := range s.connections {
		connections = append(connections, c)
	}
	s.mutex.Unlock()

	for _, c := range connections {
		c.close(websocket.CloseGoingAway, "simulator drops connection")
	}
	return len(connections)
}

// Close drops all connections and releases the request log writer
func (s *Simulator) Close() {
	s.DropConnections()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.logWriter != nil {
		s.logWriter.Close()
		s.logWriter = nil
	}
}

func (s *Simulator) addConnection(c *connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.connections[c] = true
	s.accepted++
}

func (s *Simulator) removeConnection(c *connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.connections, c)
}

func (s *Simulator) addRegistration(registration Registration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.registrations = append(s.registrations, registration)
}

func (s *Simulator) addRecord(record Record) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.records = append(s.records, record)
}
