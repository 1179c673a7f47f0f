package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/pulse/core/logger"
	"github.com/relabs-tech/pulse/iot"
	"github.com/relabs-tech/pulse/iot/catalog"
	"github.com/relabs-tech/pulse/iot/simulator"
)

// Service holds the configuration for this service
//
// use KAFKA_BROKERS="localhost:9092" to forward telemetry to Kafka
type Service struct {
	Port          int           `env:"PORT,default=3000" description:"the port to listen on"`
	Secret        string        `env:"SIMULATOR_SECRET" description:"the secret which signs access tokens, random if empty"`
	Devices       string        `env:"DEVICES" description:"comma separated device list as id:name, any device can register if empty"`
	PingInterval  time.Duration `env:"PING_INTERVAL,default=30s" description:"interval of ping messages on websockets"`
	KafkaBrokers  string        `env:"KAFKA_BROKERS" description:"comma separated Kafka brokers, telemetry is forwarded if set"`
	KafkaTopic    string        `env:"KAFKA_TOPIC,default=heart-rate" description:"the Kafka topic for telemetry"`
	LogLevel      string        `env:"LOG_LEVEL,default=info" description:"the log level"`
	TokenLifetime time.Duration `env:"TOKEN_LIFETIME,default=336h" description:"lifetime of access tokens"`
}

func parseDevices(list string) []catalog.Device {
	devices := []catalog.Device{}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if len(entry) == 0 {
			continue
		}
		id, name := entry, entry
		if i := strings.Index(entry, ":"); i > 0 {
			id, name = entry[:i], entry[i+1:]
		}
		devices = append(devices, catalog.Device{
			DeviceTypeID: catalog.DeviceTypeHeartRateTracker,
			ID:           id,
			Name:         name,
		})
	}
	return devices
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()

	var publisher iot.MessagePublisher
	if len(service.KafkaBrokers) > 0 {
		kafkaPublisher := simulator.NewKafkaPublisher(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
		rlog.Infoln("forwarding telemetry to kafka topic", service.KafkaTopic)
	}

	sim := simulator.New(&simulator.Builder{
		Secret:        []byte(service.Secret),
		TokenLifetime: service.TokenLifetime,
		Devices:       parseDevices(service.Devices),
		PingInterval:  service.PingInterval,
		Publisher:     publisher,
	})
	defer sim.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", service.Port),
		Handler: sim.Handler(),
	}
	go func() {
		rlog.Infoln("listen on port", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rlog.WithError(err).Fatalln("cannot listen")
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	sim.DropConnections()
	srv.Close()
	rlog.Infoln("stopped")
}
