/*Package tracker is the entry point of a heart rate tracker client

A Tracker owns the session state, the device catalog and the telemetry session, and
offers the hooks the outer layers call:

	OnAccessTokenObtained   the login flow produced an access token
	OnDeviceSelected        the user picked a device from the catalog
	OnNewSample             the heart rate source measured a sample
	Logout                  the user logged out

None of the hooks return errors for runtime conditions. A sample without identity or
without connection is dropped and logged.
*/
package tracker

import (
	"strings"

	"github.com/relabs-tech/pulse/core/logger"
	"github.com/relabs-tech/pulse/iot"
	"github.com/relabs-tech/pulse/iot/auth"
	"github.com/relabs-tech/pulse/iot/catalog"
	"github.com/relabs-tech/pulse/iot/session"
	"github.com/relabs-tech/pulse/iot/telemetry"
)

// Builder is a builder helper for the Tracker
type Builder struct {
	// Auth configures the login flow
	Auth auth.Config
	// Telemetry configures the telemetry session
	Telemetry telemetry.Options
}

// Tracker connects login, device selection and heart rate source to the platform
type Tracker struct {
	auth      auth.Config
	state     *session.State
	catalog   *catalog.Catalog
	session   *telemetry.Session
	submitter iot.SampleSubmitter
}

// New returns a new tracker. Call Close when done.
func New(b *Builder) *Tracker {
	state := session.New()
	s := telemetry.New(state, b.Telemetry)
	return &Tracker{
		auth:      b.Auth,
		state:     state,
		catalog:   catalog.New(),
		session:   s,
		submitter: s,
	}
}

// State returns the session state
func (t *Tracker) State() *session.State {
	return t.state
}

// Catalog returns the device catalog
func (t *Tracker) Catalog() *catalog.Catalog {
	return t.catalog
}

// Session returns the telemetry session
func (t *Tracker) Session() *telemetry.Session {
	return t.session
}

// AuthorizationRequestURL returns the url of the login page
func (t *Tracker) AuthorizationRequestURL() string {
	return t.auth.AuthorizationRequestURL("")
}

// OnAccessTokenObtained stores the token of a successful login
func (t *Tracker) OnAccessTokenObtained(token string) {
	t.state.SetAccessToken(token)
}

// OnRedirect handles the redirect of the login page
func (t *Tracker) OnRedirect(uri string) error {
	token, err := auth.ParseRedirect(uri)
	if err != nil {
		logger.Default().WithError(err).Errorln("login failed")
		return err
	}
	t.OnAccessTokenObtained(token.AccessToken)
	return nil
}

// OnUserResolved stores the id of the logged in user
func (t *Tracker) OnUserResolved(userID string) {
	t.state.SetUserID(userID)
}

// OnDevicesListed loads the user's device list into the catalog
func (t *Tracker) OnDevicesListed(body []byte) error {
	return t.catalog.Update(body)
}

// OnDeviceSelected makes deviceID the source device of all further samples. A
// websocket registered for another device is closed, the next sample registers
// the new one.
func (t *Tracker) OnDeviceSelected(deviceTypeID, deviceID, deviceName string) {
	rlog := logger.Default().WithField("sdid", deviceID)
	if deviceTypeID != "" && !strings.EqualFold(deviceTypeID, catalog.DeviceTypeHeartRateTracker) {
		rlog.Warnf("device '%s' of type %s is no heart rate tracker", deviceName, deviceTypeID)
	}
	previous := t.state.DeviceID()
	t.state.SetDeviceID(deviceID)
	if previous != "" && previous != deviceID {
		t.session.Disconnect()
	}
	rlog.Infof("selected device '%s'", deviceName)
}

// OnNewSample submits a heart rate sample. The timestamp is in milliseconds since epoch.
func (t *Tracker) OnNewSample(heartRate int, timestamp int64) {
	t.submitter.SubmitSample(heartRate, timestamp)
}

// Connect opens the websocket ahead of the first sample
func (t *Tracker) Connect() {
	t.session.EnsureConnected()
}

// Disconnect closes the websocket and keeps the identity
func (t *Tracker) Disconnect() {
	t.session.Disconnect()
}

// Logout forgets the identity and the device list and closes the websocket. It
// returns the platform's logout url.
func (t *Tracker) Logout() string {
	t.state.Logout()
	t.catalog.Clear()
	return t.auth.LogoutRequestURL()
}

// Close stops the telemetry session
func (t *Tracker) Close() {
	t.session.Close()
}
