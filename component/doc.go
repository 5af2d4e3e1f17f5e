// Package component defines the uniform contract every supervisor
// sub-component (security, migration, seed, model, transaction) must
// implement, the notification bus they publish lifecycle events on, and
// the factory registry used to swap in custom implementations per slot.
//
// Custom implementations are injected at construction time through
// [Registry.Override]; the registry is validated once when the connection
// supervisor is built, never at arbitrary runtime.
package component
