/*Package telemetry streams heart rate samples to the platform over a websocket

A Session turns "here is a new sample" into "make sure there is a registered, open
websocket, then deliver the sample". It never opens two connections at the same time
and never registers a connection twice.

Wire protocol

The websocket endpoint is called with the query parameter ack=true. Right after the
connection opened, the session sends one register message built from the identity at
that moment:

	{"type":"register","sdid":"<device id>","Authorization":"bearer <access token>"}

Afterwards every sample becomes one telemetry message:

	{"sdid":"<device id>","ts":<epoch millis>,"data":{"heart_rate":<value>}}

Messages pushed by the platform are only logged.

Reconnects

There is no background reconnect. When the websocket closed, the next submitted sample
finds the connection closed and starts a new one. The sample which triggers a connect
is dropped unless Options.KeepPendingSample is set.
*/
package telemetry
