// Package messaging runs application messages accepted by a tie consumer.
//
// A Dispatcher maps message types to operations. It is installed as the
// consumer's handler, so operations always execute on the polling
// goroutine, and each outcome is stored under the message's correlation
// ID for the transport that originated the request to collect.
package messaging
