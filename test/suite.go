package test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/pulse/core/logger"
	"github.com/relabs-tech/pulse/iot"
	"github.com/relabs-tech/pulse/iot/auth"
	"github.com/relabs-tech/pulse/iot/catalog"
	"github.com/relabs-tech/pulse/iot/simulator"
	"github.com/relabs-tech/pulse/iot/telemetry"
	"github.com/relabs-tech/pulse/tracker"
	"github.com/sirupsen/logrus"
)

const clientID = "pulse-test"

// devices is the device list of every simulated user
var devices = []catalog.Device{
	{DeviceTypeID: catalog.DeviceTypeHeartRateTracker, ID: "d1", Name: "Chest strap"},
	{DeviceTypeID: catalog.DeviceTypeHeartRateTracker, ID: "d2", Name: "Watch"},
	{DeviceTypeID: "dt00000000000000000000000000000001", ID: "d3", Name: "Scale"},
}

// IntegrationTestSuite runs trackers against a simulator on a local http server
type IntegrationTestSuite struct {
	suite.Suite
	simulator *simulator.Simulator
	server    *httptest.Server
	// publisher is handed to the simulators. Suites which need one set it in
	// their SetupSuite.
	publisher iot.MessagePublisher
}

func (s *IntegrationTestSuite) SetupSuite() {
	logger.InitLogger(logrus.InfoLevel)
}

// SetupTest starts a fresh simulator for every test, so recordings do not leak between tests
func (s *IntegrationTestSuite) SetupTest() {
	s.simulator = simulator.New(&simulator.Builder{
		Devices:   devices,
		Publisher: s.publisher,
	})
	s.server = httptest.NewServer(s.simulator.Handler())
}

func (s *IntegrationTestSuite) TearDownTest() {
	if s.simulator != nil {
		s.simulator.Close()
	}
	if s.server != nil {
		s.server.Close()
	}
}

// websocketURL returns the simulator's websocket endpoint without query
func (s *IntegrationTestSuite) websocketURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/v1.1/websocket"
}

// newTracker returns a tracker connected to the simulator. It is closed at the end of the test.
func (s *IntegrationTestSuite) newTracker(options telemetry.Options) *tracker.Tracker {
	options.URL = s.websocketURL()
	t := tracker.New(&tracker.Builder{
		Auth:      auth.Config{AuthBaseURL: s.server.URL, ClientID: clientID},
		Telemetry: options,
	})
	s.T().Cleanup(t.Close)
	return t
}

// login walks through the implicit flow for userID and hands the redirect to the tracker
func (s *IntegrationTestSuite) login(t *tracker.Tracker, userID string) {
	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	res, err := client.Get(t.AuthorizationRequestURL() + "&login_hint=" + url.QueryEscape(userID))
	s.Require().NoError(err)
	res.Body.Close()
	s.Require().Equal(http.StatusFound, res.StatusCode)
	s.Require().NoError(t.OnRedirect(res.Header.Get("Location")))
}

// selectFirstTracker resolves the user, lists the devices and selects the first heart rate tracker
func (s *IntegrationTestSuite) selectFirstTracker(t *tracker.Tracker) catalog.Device {
	client := auth.HTTPClient(context.Background(), t.State().AccessToken())

	var self struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	s.getJSON(client, "/v1.1/users/self", &self)
	t.OnUserResolved(self.Data.ID)

	var body []byte
	s.getJSON(client, "/v1.1/users/"+self.Data.ID+"/devices", &body)
	s.Require().NoError(t.OnDevicesListed(body))

	trackers := t.Catalog().ByType(catalog.DeviceTypeHeartRateTracker)
	s.Require().NotEmpty(trackers)
	t.OnDeviceSelected(trackers[0].DeviceTypeID, trackers[0].ID, trackers[0].Name)
	return trackers[0]
}

func (s *IntegrationTestSuite) getJSON(client *http.Client, path string, v interface{}) {
	res, err := client.Get(s.server.URL + path)
	s.Require().NoError(err)
	defer res.Body.Close()
	s.Require().Equal(http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	s.Require().NoError(err)
	if b, ok := v.(*[]byte); ok {
		*b = body
		return
	}
	s.Require().NoError(json.Unmarshal(body, v))
}

// waitFor waits until condition holds
func (s *IntegrationTestSuite) waitFor(condition func() bool, what string) {
	s.Require().Eventually(condition, 5*time.Second, 10*time.Millisecond, "waiting for %s", what)
}

// KafkaTestSuite additionally runs a Kafka broker in a container and forwards
// the simulator's telemetry to it
type KafkaTestSuite struct {
	IntegrationTestSuite
	network        testcontainers.Network
	kafkaContainer testcontainers.Container
	zooContainer   testcontainers.Container
	kafkaConn      *kafka.Conn
	kafkaAddr      string
	kafkaPublisher *simulator.KafkaPublisher
	topic          string
}

func (s *KafkaTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *KafkaTestSuite) deleteTopic(topic string) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.DeleteTopics(topic)
	if err != nil {
		return fmt.Errorf("failed to delete topic %s: %w", topic, err)
	}
	return nil
}

func (s *KafkaTestSuite) SetupSuite() {
	if testing.Short() {
		s.T().Skip("kafka tests need docker, skipped in short mode")
	}
	ctx := context.Background()

	// Create a shared Docker network for Kafka and Zookeeper
	networkName := "test-kafka-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	s.zooContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			"ALLOW_PLAINTEXT_LISTENER":               "yes",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	s.kafkaContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)

	kafkaHost, err := s.kafkaContainer.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := s.kafkaContainer.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)

	s.topic = "heart-rate"
	s.Require().NoError(s.createTopic(s.topic, 3), "Failed to create heart-rate topic")

	s.kafkaPublisher = simulator.NewKafkaPublisher([]string{s.kafkaAddr}, s.topic)
	s.publisher = s.kafkaPublisher
	s.IntegrationTestSuite.SetupSuite()
}

func (s *KafkaTestSuite) TearDownSuite() {
	ctx := context.Background()

	if s.kafkaPublisher != nil {
		s.kafkaPublisher.Close()
	}
	if s.kafkaConn != nil {
		s.deleteTopic(s.topic)
		s.kafkaConn.Close()
	}
	if s.kafkaContainer != nil {
		err := s.kafkaContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.zooContainer != nil {
		err := s.zooContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.network != nil {
		s.network.Remove(ctx)
	}
}
