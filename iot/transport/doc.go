/*Package transport owns one physical websocket connection

A Connection moves through the states

	Idle -> Connecting -> Open -> Closed

with Connecting -> Closed on failure or cancellation. There is no way back to Idle: a
closed connection is discarded and a new one is created for the next attempt.

Connection events are reported to an EventSink. OnOpen is called at most once, OnClose
at most once and only for connections which were open. Dial failures are reported
with OnError. Events are delivered from the connection's own goroutines, except for
the blocking Connect, which reports dial results from the calling goroutine.

Certificate and hostname verification is on by default. Options.InsecureSkipVerify
turns it off for deployments which need it; every connect attempt with this option
logs a warning.
*/
package transport
