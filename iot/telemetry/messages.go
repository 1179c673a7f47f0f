package telemetry

import (
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/pulse/iot/session"
)

// Schemas contains the JSON schemas of the outbound wire messages in directory
// "schemas". Use it with schema.NewValidatorFromFS(telemetry.Schemas, "schemas").
//
//go:embed schemas
var Schemas embed.FS

const (
	// SchemaRegister is the schema id of the register message
	SchemaRegister = "https://api.samsungsami.io/schemas/register.json"
	// SchemaTelemetry is the schema id of the telemetry message
	SchemaTelemetry = "https://api.samsungsami.io/schemas/telemetry.json"

	// TypeRegister is the type of the register control message
	TypeRegister = "register"
	// TypePing is the type of the keep alive message the platform sends
	TypePing = "ping"
)

// ErrIncompleteIdentity is returned when a message needs an access token or a
// device id which is not available
var ErrIncompleteIdentity = errors.New("identity needs access token and device id")

// Sample is one heart rate measurement
type Sample struct {
	HeartRate int
	// Timestamp is in milliseconds since epoch
	Timestamp int64
}

// RegisterMessage binds a websocket to a source device. It is sent once per
// connection, before any telemetry.
type RegisterMessage struct {
	Type          string `json:"type"`
	SDID          string `json:"sdid"`
	Authorization string `json:"Authorization"`
}

// HeartRateData is the payload of a heart rate tracker message
type HeartRateData struct {
	HeartRate int `json:"heart_rate"`
}

// TelemetryMessage is one sample of a source device
type TelemetryMessage struct {
	SDID      string        `json:"sdid"`
	Timestamp int64         `json:"ts"`
	Data      HeartRateData `json:"data"`
}

// NewRegisterMessage returns the register message for identity
func NewRegisterMessage(identity session.Identity) (RegisterMessage, error) {
	if !identity.Complete() {
		return RegisterMessage{}, ErrIncompleteIdentity
	}
	return RegisterMessage{
		Type:          TypeRegister,
		SDID:          identity.DeviceID,
		Authorization: identity.BearerToken(),
	}, nil
}

// NewTelemetryMessage returns the telemetry message for a sample of deviceID
func NewTelemetryMessage(deviceID string, sample Sample) TelemetryMessage {
	return TelemetryMessage{
		SDID:      deviceID,
		Timestamp: sample.Timestamp,
		Data:      HeartRateData{HeartRate: sample.HeartRate},
	}
}

// Encode returns the message as JSON text frame
func (m RegisterMessage) Encode() (string, error) {
	return encode(m)
}

// Encode returns the message as JSON text frame
func (m TelemetryMessage) Encode() (string, error) {
	return encode(m)
}

func encode(v interface{}) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cannot encode message: %w", err)
	}
	return string(body), nil
}

// Code is a status code in inbound messages. The platform sends it either as
// number or as string.
type Code int

// UnmarshalJSON accepts 200 as well as "200"
func (c *Code) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if len(s) == 0 || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid code %s", string(b))
	}
	*c = Code(n)
	return nil
}

// Acknowledgement confirms a register or telemetry message
type Acknowledgement struct {
	Code      Code   `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	MessageID string `json:"mid,omitempty"`
	CID       string `json:"cid,omitempty"`
}

// InboundError is an error reported by the platform
type InboundError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	CID     string `json:"cid,omitempty"`
}

func (e InboundError) Error() string {
	return fmt.Sprintf("platform error %d: %s", e.Code, e.Message)
}

// Inbound is a message pushed by the platform. Exactly one of Data and Error
// is set, unless it is a ping.
type Inbound struct {
	Type      string           `json:"type,omitempty"`
	Timestamp int64            `json:"ts,omitempty"`
	Data      *Acknowledgement `json:"data,omitempty"`
	Error     *InboundError    `json:"error,omitempty"`
}

// IsPing returns true for keep alive messages
func (m Inbound) IsPing() bool {
	return m.Type == TypePing
}

// ParseInbound decodes a message pushed by the platform
func ParseInbound(text string) (Inbound, error) {
	var m Inbound
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return m, fmt.Errorf("cannot parse inbound message: %w", err)
	}
	if m.Data == nil && m.Error == nil && !m.IsPing() {
		return m, fmt.Errorf("unknown inbound message '%s'", text)
	}
	return m, nil
}
