// Package reliability provides the retry and circuit breaker policies used
// by the broker transport.
//
//   - Retry Policies: exponential backoff and fixed delay, with
//     errors able to opt out of retrying via IsRetryable
//   - Circuit Breaker: stops calling a failing dependency until a
//     cooldown has passed
//
// Example usage:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
//	err := Retry(ctx, policy, func() error {
//	    return dial()
//	})
package reliability
