package session

import (
	"sync"

	"github.com/relabs-tech/pulse/core/logger"
)

// BearerPrefix is prepended to the access token in authorization values.
const BearerPrefix = "bearer "

// Identity is a snapshot of the authenticated session. An empty string means
// the field is absent.
type Identity struct {
	AccessToken string
	UserID      string
	DeviceID    string
}

// Authenticated returns true if the identity carries an access token
func (i Identity) Authenticated() bool {
	return len(i.AccessToken) > 0
}

// Complete returns true if the identity has everything needed to stream
// telemetry, that is an access token and a device id.
func (i Identity) Complete() bool {
	return len(i.AccessToken) > 0 && len(i.DeviceID) > 0
}

// BearerToken returns the access token as authorization value, or an empty string
// if there is no token.
func (i Identity) BearerToken() string {
	if len(i.AccessToken) == 0 {
		return ""
	}
	return BearerPrefix + i.AccessToken
}

// State is the process wide session state. Create it once with New and hand it
// to everybody who needs it.
type State struct {
	mu       sync.RWMutex
	identity Identity
	hooks    []*resetHook
}

type resetHook struct {
	f func()
}

// New returns a new, empty session state
func New() *State {
	return &State{}
}

// SetAccessToken stores the access token. An empty token is rejected: the error
// is logged and the stored token is cleared, so a previous token never stays stale.
func (s *State) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(token) == 0 {
		logger.Default().Errorln("attempt to set an invalid access token")
		s.identity.AccessToken = ""
		return
	}
	s.identity.AccessToken = token
}

// SetUserID stores the user id. An empty id is stored as well, with a warning.
func (s *State) SetUserID(uid string) {
	if len(uid) == 0 {
		logger.Default().Warnln("SetUserID() got empty user id")
	}
	s.mu.Lock()
	s.identity.UserID = uid
	s.mu.Unlock()
}

// SetDeviceID stores the device id. An empty id is stored as well, with a warning.
func (s *State) SetDeviceID(did string) {
	if len(did) == 0 {
		logger.Default().Warnln("SetDeviceID() got empty device id")
	}
	s.mu.Lock()
	s.identity.DeviceID = did
	s.mu.Unlock()
}

// Identity returns a consistent snapshot of the identity
func (s *State) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// AccessToken returns the current access token or an empty string
func (s *State) AccessToken() string {
	return s.Identity().AccessToken
}

// UserID returns the current user id or an empty string
func (s *State) UserID() string {
	return s.Identity().UserID
}

// DeviceID returns the current device id or an empty string
func (s *State) DeviceID() string {
	return s.Identity().DeviceID
}

// Authenticated returns true if an access token is set
func (s *State) Authenticated() bool {
	return s.Identity().Authenticated()
}

// OnReset registers a hook which is called after every Reset. Owners of a
// transport use it to drop their handle. Hooks are called without holding the
// state's lock, so they may read the state.
//
// The returned function removes the hook again. It may be called more than once.
func (s *State) OnReset(hook func()) (unregister func()) {
	h := &resetHook{f: hook}
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, registered := range s.hooks {
			if registered == h {
				s.hooks = append(s.hooks[:i:i], s.hooks[i+1:]...)
				return
			}
		}
	}
}

// Reset clears access token, user id and device id in one step and drops the
// transport references of all registered owners. Calling Reset on an empty
// state is a no-op apart from the hooks, which must be idempotent themselves.
func (s *State) Reset() {
	s.mu.Lock()
	s.identity = Identity{}
	hooks := make([]*resetHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook.f()
	}
}

// Logout ends the session. It is the same as Reset.
func (s *State) Logout() {
	s.Reset()
}
