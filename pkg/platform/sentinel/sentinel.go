package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, probers, and clients
// return these (optionally wrapped) so services can translate them into
// domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist (unknown service, missing cache entry)
// - ErrUnhealthy: dependency probed and reported not ready
// - ErrUnreachable: dependency could not be contacted at all
// - ErrRejected: request refused by an authority that was reachable
//
// For request validation failures use pkg/domain-errors directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnhealthy   = errors.New("unhealthy")
	ErrUnreachable = errors.New("unreachable")
	ErrRejected    = errors.New("rejected")
)
