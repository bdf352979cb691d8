// Package ratelimit bounds how fast a producer may push samples.
//
// A Limiter keeps one token bucket per key, created on first use with the
// limiter's capacity and refilled continuously over its window:
//
//	limiter := ratelimit.NewLimiter(20, time.Second) // 20 samples/s, burst 20
//	if !limiter.Allow(connID) {
//	    // drop the frame
//	}
//	defer limiter.Forget(connID)
//
// A zero capacity disables limiting: Allow always succeeds.
package ratelimit
