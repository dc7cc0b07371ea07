/*
Package domain contains the core business entities and interfaces for the
reverse proxy request plane.

This package provides:
- Core entities (Backend, BreakerTransition, RequestContext)
- Interfaces (LoadBalancer, BackendRepository, Collector)
- Configuration value objects shared by the balancer, breaker, gate and
  protocol forwarders

The domain package is independent of transports and infrastructure, keeping
the request-plane rules testable on their own.

Key Components:

Backend Entity:
Backend represents an origin server that can serve proxied requests. It
carries a mutable availability bit; an origin is eligible for selection only
while the bit is set. All state modifications are thread-safe using atomic
operations.

	backend, err := domain.NewBackend("b1", "http://127.0.0.1:9001", 1)
	if err != nil {
		// invalid origin URL
	}
	backend.MarkFailed()    // excluded from selection
	backend.MarkAvailable() // eligible again

Circuit Breaker States:
BreakerState enumerates the closed/open/half-open cycle. Every state change
is published as a BreakerTransition to the Collector sink, in the order the
transitions were applied.

Observer Surface:
Collector is the event-counter sink sampled throughout the request plane:
inbound requests by method, responses by status class, breaker transitions
and per-origin breaker state.
*/
package domain
