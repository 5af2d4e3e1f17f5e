package types

import "time"

// ============================================================
// Operation Results
// Uniform result objects so callers never branch on configuration:
// a disabled sub-component yields a result with Skipped=true.
// ============================================================

// MigrationResult reports a migrate or rollback run.
type MigrationResult struct {
	Success    bool     `json:"success"`
	Skipped    bool     `json:"skipped,omitempty"` // component disabled
	Migrations []string `json:"migrations,omitempty"`
	RolledBack []string `json:"rolled_back,omitempty"`
}

// SeedResult reports a seed run or rollback.
type SeedResult struct {
	Success    bool     `json:"success"`
	Skipped    bool     `json:"skipped,omitempty"`
	Batch      int      `json:"batch,omitempty"`
	Seeds      []string `json:"seeds,omitempty"`
	RolledBack []string `json:"rolled_back,omitempty"`
}

// ModelResult reports model registration or clearing.
type ModelResult struct {
	Success bool     `json:"success"`
	Skipped bool     `json:"skipped,omitempty"`
	Models  []string `json:"models,omitempty"`
}

// WarmPoolReport summarizes a pool pre-warming run.
type WarmPoolReport struct {
	Requested   int           `json:"requested"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	Duration    time.Duration `json:"duration"`
	Errors      []string      `json:"errors,omitempty"`
}

// ComponentStatus is the uniform status object every sub-component exposes.
type ComponentStatus struct {
	Name    string         `json:"name"`
	State   State          `json:"state"`
	Healthy bool           `json:"healthy"`
	Details map[string]any `json:"details,omitempty"`
}

// ShutdownReport aggregates per-component shutdown outcomes.
type ShutdownReport struct {
	Clean    bool          `json:"clean"`
	Failures []string      `json:"failures,omitempty"`
	Duration time.Duration `json:"duration"`
}
