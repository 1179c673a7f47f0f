/*Package simulator implements a small counterpart of the websocket IoT platform

It serves

	GET /authorize                      implicit flow login, redirects with a signed access token
	GET /logout                         redirects back to redirect_uri
	GET /v1.1/users/self                the user of the bearer token
	GET /v1.1/users/{user_id}/devices   the device list
	GET /v1.1/websocket?ack=true        the telemetry websocket

Access tokens are HS256 signed JWTs. The first message on a websocket must be a valid
register message with such a token, otherwise the simulator answers with an error message
and closes the websocket with code 1008. Later messages are validated against the telemetry
schema, recorded and, if a publisher is configured, forwarded to it. With ack=true every
accepted message is acknowledged.

Tests use the recorded registrations and samples for assertions, and DropConnections to
simulate the platform going away.
*/
package simulator
