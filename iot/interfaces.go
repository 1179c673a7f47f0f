package iot

import "context"

// SampleSubmitter accepts heart rate samples for delivery to the platform.
// *telemetry.Session satisfies this interface.
type SampleSubmitter interface {
	SubmitSample(heartRate int, timestamp int64)
}

// MessagePublisher forwards accepted device messages to a message bus. The key
// is the source device id, so all messages of one device stay in order.
type MessagePublisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}
