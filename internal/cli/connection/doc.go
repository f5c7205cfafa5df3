// Package connection is the wayback-cli client of a running
// wayback-server.
//
// HTTPClient speaks the server's JSON envelope: successful payloads are
// decoded from its data member and error envelopes become *APIError
// values that match the domain sentinel with the same code under
// errors.Is.
package connection
