package txn

import (
	"context"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/internal/metrics"
	"github.com/BaSui01/dbflow/types"
)

// TxComponent exposes a Coordinator through the uniform sub-component
// contract so the connection supervisor manages it like any other slot.
type TxComponent struct {
	coord *Coordinator
	state types.State
}

var _ component.Component = (*TxComponent)(nil)

// NewFactory returns the factory registered on the transaction slot.
func NewFactory(collector *metrics.Collector) component.Factory {
	return func(deps component.Deps) (component.Component, error) {
		opts := []Option{WithNotifier(deps.Notifier)}
		if collector != nil {
			opts = append(opts, WithCollector(collector))
		}
		coord := NewCoordinator(deps.Tenant, deps.Config.Transaction, deps.Handle, deps.Logger, opts...)
		return &TxComponent{coord: coord, state: types.StateCreated}, nil
	}
}

// Name implements Component.
func (t *TxComponent) Name() string { return string(component.SlotTransaction) }

// Initialize starts the stale-transaction sweeper.
func (t *TxComponent) Initialize(ctx context.Context) error {
	t.coord.Start()
	t.state = types.StateInitialized
	return nil
}

// Shutdown stops the sweeper and rolls back remaining transactions.
func (t *TxComponent) Shutdown(ctx context.Context, opts component.ShutdownOptions) error {
	t.coord.Close()
	t.state = types.StateShutdown
	return nil
}

// Status implements Component.
func (t *TxComponent) Status() types.ComponentStatus {
	agg := t.coord.Metrics()
	return types.ComponentStatus{
		Name:    t.Name(),
		State:   t.state,
		Healthy: t.state == types.StateInitialized,
		Details: map[string]any{
			"active":       len(t.coord.Active()),
			"committed":    agg.Committed,
			"failed":       agg.Failed,
			"timed_out":    agg.TimedOut,
			"success_rate": agg.SuccessRate(),
		},
	}
}

// Coordinator returns the wrapped coordinator for direct transaction use.
func (t *TxComponent) Coordinator() *Coordinator {
	return t.coord
}
