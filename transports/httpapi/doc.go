// Package httpapi exposes the bridge over a request/poll HTTP API.
//
// The server goroutines are the producer side of a tie: a request is
// turned into an application message and queued, the caller gets the
// correlation ID back at once, and later collects the outcome the
// consumer side stored for it.
package httpapi
