package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"golang.org/x/oauth2"

	"github.com/relabs-tech/pulse/core/logger"
	"github.com/relabs-tech/pulse/iot/auth"
	"github.com/relabs-tech/pulse/iot/catalog"
	"github.com/relabs-tech/pulse/iot/telemetry"
	"github.com/relabs-tech/pulse/iot/transport"
	"github.com/relabs-tech/pulse/tracker"
)

// Service holds the configuration for this service
//
// use AUTH_URL="http://localhost:3000" REST_URL="http://localhost:3000/v1.1"
// and WEBSOCKET_URL="ws://localhost:3000/v1.1/websocket" against a local simulator
type Service struct {
	ClientID           string        `env:"CLIENT_ID,required" description:"the OAuth2 client id"`
	AuthURL            string        `env:"AUTH_URL,default=https://accounts.samsungsami.io" description:"the account server"`
	RestURL            string        `env:"REST_URL,default=https://api.samsungsami.io/v1.1" description:"the REST api"`
	WebsocketURL       string        `env:"WEBSOCKET_URL,default=wss://api.samsungsami.io/v1.1/websocket?ack=true" description:"the websocket endpoint"`
	AccessToken        string        `env:"ACCESS_TOKEN" description:"an access token, skips the login"`
	DeviceID           string        `env:"DEVICE_ID" description:"the source device id, default is the first heart rate tracker of the user"`
	CallbackPort       int           `env:"CALLBACK_PORT,default=4000" description:"local port for the login redirect"`
	SampleInterval     time.Duration `env:"SAMPLE_INTERVAL,default=1s" description:"interval of synthetic heart rate samples"`
	RestingHeartRate   int           `env:"RESTING_HEART_RATE,default=65" description:"base line of synthetic heart rate samples"`
	KeepPendingSample  bool          `env:"KEEP_PENDING_SAMPLE,default=false" description:"send the sample which triggered a connect after registration"`
	InsecureSkipVerify bool          `env:"INSECURE_SKIP_VERIFY,default=false" description:"skip TLS certificate verification, for test servers only"`
	LogLevel           string        `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	redirectURL := fmt.Sprintf("http://localhost:%d/callback", service.CallbackPort)
	t := tracker.New(&tracker.Builder{
		Auth: auth.Config{
			AuthBaseURL: service.AuthURL,
			ClientID:    service.ClientID,
			RedirectURL: redirectURL,
		},
		Telemetry: telemetry.Options{
			URL:               service.WebsocketURL,
			KeepPendingSample: service.KeepPendingSample,
			Transport: transport.Options{
				InsecureSkipVerify: service.InsecureSkipVerify,
			},
		},
	})
	defer t.Close()

	accessToken := service.AccessToken
	if len(accessToken) == 0 {
		var err error
		accessToken, err = login(ctx, t, service.CallbackPort)
		if err != nil {
			rlog.WithError(err).Fatalln("login failed")
		}
	}
	t.OnAccessTokenObtained(accessToken)

	if err := selectDevice(ctx, t, service, accessToken); err != nil {
		rlog.WithError(err).Fatalln("no device")
	}

	t.Connect()
	run(ctx, t, service)
	t.Logout()
	stats := t.Session().Stats()
	rlog.Infof("stopped, sent=%d dropped=%d registrations=%d", stats.SamplesSent, stats.SamplesDropped, stats.Registrations)
}

// login runs a local web server for the login redirect and waits for the token
func login(ctx context.Context, t *tracker.Tracker, port int) (string, error) {
	tokens := make(chan string, 1)
	router := mux.NewRouter()
	logger.AddRequestID(router)
	auth.Handle(router, "/callback", func(token *oauth2.Token) {
		select {
		case tokens <- token.AccessToken:
		default:
		}
	})

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: router}
	go srv.Serve(listener)
	defer srv.Close()

	fmt.Println("open this url in a browser to log in:")
	fmt.Println(t.AuthorizationRequestURL())
	select {
	case token := <-tokens:
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// selectDevice resolves the user and picks the source device
func selectDevice(ctx context.Context, t *tracker.Tracker, service *Service, accessToken string) error {
	client := auth.HTTPClient(ctx, accessToken)
	restURL := strings.TrimSuffix(service.RestURL, "/")

	var self struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	body, err := get(client, restURL+"/users/self")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, &self); err != nil {
		return fmt.Errorf("cannot parse user: %w", err)
	}
	t.OnUserResolved(self.Data.ID)

	if len(service.DeviceID) > 0 {
		t.OnDeviceSelected("", service.DeviceID, service.DeviceID)
		return nil
	}

	body, err = get(client, restURL+"/users/"+self.Data.ID+"/devices")
	if err != nil {
		return err
	}
	if err := t.OnDevicesListed(body); err != nil {
		return err
	}
	trackers := t.Catalog().ByType(catalog.DeviceTypeHeartRateTracker)
	if len(trackers) == 0 {
		return catalog.ErrNoDevices
	}
	device := trackers[0]
	t.OnDeviceSelected(device.DeviceTypeID, device.ID, device.Name)
	return nil
}

func get(client *http.Client, url string) ([]byte, error) {
	res, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, res.Status)
	}
	return body, nil
}

// run feeds synthetic heart rate samples until ctx is done
func run(ctx context.Context, t *tracker.Tracker, service *Service) {
	rlog := logger.Default()
	ticker := time.NewTicker(service.SampleInterval)
	defer ticker.Stop()
	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			heartRate := service.RestingHeartRate + int(15*math.Sin(float64(i)/30)) + rand.Intn(5)
			t.OnNewSample(heartRate, now.UnixMilli())
		case <-statsTicker.C:
			stats := t.Session().Stats()
			rlog.Infof("sent=%d dropped=%d registrations=%d connects=%d status=%s",
				stats.SamplesSent, stats.SamplesDropped, stats.Registrations, stats.ConnectAttempts, t.Session().Status())
		}
	}
}
