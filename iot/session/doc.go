/*Package session holds the authenticated identity of a telemetry client

The identity is the triple of access token, user id and device id. It is created
empty, populated after the OAuth redirect was captured and a device was selected, and
wiped entirely on logout.

All three fields live behind one mutex, so readers never observe a half reset identity
(for example a cleared device id with a still valid access token).

The owner of a live transport registers a reset hook with OnReset. Reset clears the
identity and then runs the hooks, which drop the transport reference. The state itself
never touches a socket.
*/
package session
