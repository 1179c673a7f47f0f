package simulator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/relabs-tech/pulse/core/logger"
	"github.com/relabs-tech/pulse/iot/telemetry"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// connection is one accepted websocket
type connection struct {
	id   string
	ws   *websocket.Conn
	ack  bool
	rlog *logrus.Entry

	writeMutex sync.Mutex
	closeOnce  sync.Once
	done       chan struct{}

	// owned by the read loop
	registration *Registration
}

func (c *connection) write(message telemetry.Inbound) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, body)
}

func (c *connection) writeError(code int, message string) {
	if err := c.write(telemetry.Inbound{Error: &telemetry.InboundError{Code: telemetry.Code(code), Message: message}}); err != nil {
		c.rlog.WithError(err).Debugln("cannot write error")
	}
}

// close sends a close frame and closes the socket. The read loop ends with an error.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMutex.Lock()
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.writeMutex.Unlock()
		c.ws.Close()
	})
}

func (c *connection) ping(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if err := c.write(telemetry.Inbound{Type: telemetry.TypePing, Timestamp: now.UnixMilli()}); err != nil {
				return
			}
		}
	}
}

// frameError is answered with an error message
type frameError struct {
	code    int
	message string
	fatal   bool
}

func (e *frameError) Error() string {
	return fmt.Sprintf("%d: %s", e.code, e.message)
}

func (s *Simulator) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has answered the request already
		rlog.WithError(err).Warnln("websocket upgrade failed")
		return
	}

	c := &connection{
		id:   uuid.New().String(),
		ws:   ws,
		ack:  r.URL.Query().Get("ack") == "true",
		done: make(chan struct{}),
	}
	c.rlog = rlog.WithField("connectionID", c.id)
	s.addConnection(c)
	defer s.removeConnection(c)
	defer c.close(websocket.CloseNormalClosure, "")

	c.rlog.Infoln("websocket accepted")
	ws.SetReadDeadline(time.Now().Add(s.registerTimeout))
	for {
		_, body, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.rlog.WithError(err).Warnln("websocket read failed")
			} else {
				c.rlog.Infoln("websocket closed")
			}
			return
		}

		if err := s.handleFrame(r.Context(), c, body); err != nil {
			c.rlog.WithError(err).Warnln("rejected message")
			c.writeError(err.code, err.message)
			if err.fatal {
				c.close(websocket.ClosePolicyViolation, err.message)
				return
			}
		}
	}
}

func (s *Simulator) handleFrame(ctx context.Context, c *connection, body []byte) *frameError {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return &frameError{code: http.StatusBadRequest, message: "message is not a JSON object", fatal: c.registration == nil}
	}

	if head.Type == telemetry.TypeRegister || c.registration == nil {
		return s.handleRegister(c, body)
	}
	return s.handleTelemetry(ctx, c, body)
}

func (s *Simulator) handleRegister(c *connection, body []byte) *frameError {
	if err := s.validator.ValidateBytes(body, telemetry.SchemaRegister); err != nil {
		return &frameError{code: http.StatusBadRequest, message: "websocket must register first: " + err.Error(), fatal: true}
	}
	var message telemetry.RegisterMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return &frameError{code: http.StatusBadRequest, message: err.Error(), fatal: true}
	}
	claims, err := s.verifyBearer(message.Authorization)
	if err != nil {
		return &frameError{code: http.StatusUnauthorized, message: err.Error(), fatal: true}
	}
	if !s.knowsDevice(message.SDID) {
		return &frameError{code: http.StatusNotFound, message: "unknown device " + message.SDID, fatal: true}
	}

	registration := Registration{ConnectionID: c.id, SDID: message.SDID, UserID: claims.Subject}
	first := c.registration == nil
	c.registration = &registration
	s.addRegistration(registration)
	c.rlog = c.rlog.WithField("sdid", message.SDID)
	c.rlog.Infoln("websocket registered")

	c.ws.SetReadDeadline(time.Time{})
	if first && s.pingInterval > 0 {
		go c.ping(s.pingInterval)
	}
	if c.ack {
		c.write(telemetry.Inbound{Data: &telemetry.Acknowledgement{Code: http.StatusOK, Message: "OK", CID: c.id}})
	}
	return nil
}

func (s *Simulator) handleTelemetry(ctx context.Context, c *connection, body []byte) *frameError {
	if err := s.validator.ValidateBytes(body, telemetry.SchemaTelemetry); err != nil {
		return &frameError{code: http.StatusBadRequest, message: err.Error()}
	}
	var message telemetry.TelemetryMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return &frameError{code: http.StatusBadRequest, message: err.Error()}
	}
	if message.SDID != c.registration.SDID {
		return &frameError{code: http.StatusForbidden, message: "websocket is not registered for device " + message.SDID}
	}

	record := Record{
		ConnectionID: c.id,
		MessageID:    uuid.New().String(),
		SDID:         message.SDID,
		Timestamp:    message.Timestamp,
		HeartRate:    message.Data.HeartRate,
	}
	s.addRecord(record)

	if s.publisher != nil {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := s.publisher.Publish(ctx, message.SDID, body)
		cancel()
		if err != nil {
			c.rlog.WithError(err).Errorln("cannot publish telemetry")
		}
	}

	if c.ack {
		c.write(telemetry.Inbound{Data: &telemetry.Acknowledgement{MessageID: record.MessageID}})
	}
	return nil
}
