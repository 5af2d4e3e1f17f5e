// Package registry is the top-level orchestrator: it creates and destroys
// named applications (tenants), resolves connection-sharing requests
// against a fingerprint-keyed reference table, runs the periodic health
// supervision loop across all tenants, and rolls back partially completed
// registrations so failures never leave half-registered state behind.
package registry
