// Package operation defines the domain types for long-running fetch
// operations: the operation record itself, its lifecycle status, the
// closed set of operation kinds, and the interfaces the lifecycle
// manager and executor use to talk to each other.
//
// The package holds no behavior beyond validation helpers. Persistence
// lives in store/storage, execution in executor, and state ownership in
// manager.
package operation
