package transport

// EventSink receives connection events
type EventSink interface {
	OnOpen()
	OnMessage(message string)
	OnClose(code int, reason string, remote bool)
	OnError(err error)
}

// Events is an EventSink built from optional callbacks. Nil callbacks are ignored.
type Events struct {
	Open    func()
	Message func(message string)
	Close   func(code int, reason string, remote bool)
	Error   func(err error)
}

// OnOpen implements EventSink
func (e Events) OnOpen() {
	if e.Open != nil {
		e.Open()
	}
}

// OnMessage implements EventSink
func (e Events) OnMessage(message string) {
	if e.Message != nil {
		e.Message(message)
	}
}

// OnClose implements EventSink
func (e Events) OnClose(code int, reason string, remote bool) {
	if e.Close != nil {
		e.Close(code, reason, remote)
	}
}

// OnError implements EventSink
func (e Events) OnError(err error) {
	if e.Error != nil {
		e.Error(err)
	}
}
