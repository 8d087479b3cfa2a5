// Package kvop is the lowest-level package in the apply pipeline: it has
// no dependency on Raft or the storage engine, only on encoding/json and
// github.com/google/uuid (for request IDs). It
// exists so pkg/engine, pkg/statemachine and pkg/driver share one
// definition of "what an operation is" and "how its result gets back to
// the caller" without importing each other.
package kvop
