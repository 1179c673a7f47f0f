// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the client side of a heart rate tracker for a websocket IoT platform

The client logs in with the OAuth2 implicit flow (package auth), lets the user pick a
device from the device list (package catalog) and streams heart rate samples over a
websocket (package telemetry). Package session holds the identity all of them share,
package transport owns the physical websocket connection.

Package simulator is a small server counterpart of the platform. It is used by tests
and for local development, and can forward accepted telemetry to Kafka. It only
needs a message publisher interface for that.

*/
package iot
