// Package breaker implements a consecutive-failure circuit breaker used to
// fast-fail calls to the generative diagnosis backend while it is down.
//
// The breaker starts Closed. After MaxFailures consecutive failures it opens
// and rejects calls with ErrOpen until ResetTimeout has elapsed, then admits
// a single trial call (HalfOpen). A successful trial closes the breaker; a
// failed one re-opens it.
package breaker
