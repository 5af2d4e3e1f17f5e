// Package types defines the shared data types used across dbflow:
// structured errors, lifecycle states, health samples, configuration
// structs, and the result objects returned by orchestration operations.
//
// The package has no dependencies on other dbflow packages so that every
// layer (registry, connection, txn, components) can exchange values
// without import cycles.
package types
