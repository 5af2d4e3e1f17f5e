package registry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/connection"
	"github.com/BaSui01/dbflow/timeout"
	"github.com/BaSui01/dbflow/types"
)

// =====================================================
// 📊 健康监督循环 (Health Supervision Loop)
// =====================================================

// healthLoop probes every tenant on a jittered interval until the
// registry shuts down. Probes run in parallel, each under its own
// deadline, so one stuck handle cannot stall the round.
func (r *Registry) healthLoop() {
	defer r.healthWG.Done()

	for {
		select {
		case <-r.healthDone:
			return
		case <-time.After(jitter(r.cfg.HealthInterval)):
		}
		r.probeAll()
	}
}

// jitter spreads probe rounds by ±10% so co-located registries do not
// hammer their databases in lockstep.
func jitter(d time.Duration) time.Duration {
	delta := int64(d) / 10
	if delta <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*delta)-delta)
}

func (r *Registry) probeAll() {
	r.mu.Lock()
	targets := make([]*Tenant, 0, len(r.tenants))
	for _, tenant := range r.tenants {
		targets = append(targets, tenant)
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	round := make([]types.HealthSample, len(targets))
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxProbeConcurrency)
	for i, tenant := range targets {
		g.Go(func() error {
			sample := r.probe(tenant)
			r.record(tenant.Name, sample)
			round[i] = sample
			return nil
		})
	}
	g.Wait()

	r.evaluateAggregate(round)
}

// evaluateAggregate raises one rate-limited alert when the fleet as a
// whole is in bad shape: the mean score has dropped into unhealthy
// territory or the mean probe latency exceeds the performance threshold.
func (r *Registry) evaluateAggregate(round []types.HealthSample) {
	if len(round) == 0 {
		return
	}
	var scoreSum int
	var latencySum time.Duration
	for _, sample := range round {
		scoreSum += sample.Score
		latencySum += sample.Latency
	}
	meanScore := scoreSum / len(round)
	meanLatency := latencySum / time.Duration(len(round))

	status := types.ClassifyHealthScore(meanScore)
	slow := meanLatency > r.cfg.PerformanceThreshold
	if status != types.HealthUnhealthy && status != types.HealthTimeout && !slow {
		return
	}
	if !r.aggregateLimiter.Allow() {
		return
	}

	r.notifier.Notify(component.Event{
		Type:      component.EventHealthAlert,
		Component: "registry",
		Phase:     "health.aggregate",
		Message:   "aggregate tenant health degraded",
		Fields: map[string]any{
			"mean_score":   meanScore,
			"mean_latency": meanLatency.String(),
			"tenants":      len(round),
		},
		Timestamp: time.Now(),
	})
	r.logger.Warn("aggregate health alert",
		zap.Int("mean_score", meanScore),
		zap.Duration("mean_latency", meanLatency),
		zap.Int("tenants", len(round)),
	)
}

// probe measures one tenant and converts the outcome into a weighted
// 0-100 score:
//
//	30  supervisor initialized
//	25  handle connected and responding
//	25  sub-component health fraction
//	20  probe latency against the performance threshold
//
// A probe that never returns inside the deadline scores 0 and is
// classified as a timeout.
func (r *Registry) probe(tenant *Tenant) types.HealthSample {
	sup := tenant.Supervisor
	start := time.Now()

	err := timeout.Run(context.Background(), r.cfg.HealthProbeTimeout,
		func(opCtx context.Context) error {
			return sup.CheckHealth(opCtx)
		},
		timeout.Options{
			Operation: "health.probe",
			Component: tenant.Name,
			Logger:    r.logger,
		})
	latency := time.Since(start)

	if types.IsCode(err, types.ErrTimeout) {
		return types.HealthSample{
			Tenant:    tenant.Name,
			Score:     0,
			Status:    types.HealthTimeout,
			Latency:   latency,
			Timestamp: time.Now(),
		}
	}

	score := scoreSupervisor(sup, err == nil, latency, r.cfg.PerformanceThreshold)
	return types.HealthSample{
		Tenant:    tenant.Name,
		Score:     score,
		Status:    types.ClassifyHealthScore(score),
		Latency:   latency,
		Timestamp: time.Now(),
	}
}

func scoreSupervisor(sup *connection.Supervisor, connected bool, latency, threshold time.Duration) int {
	score := 0
	initialized := sup.State() == types.StateInitialized
	if initialized {
		score += 30
	}
	if connected {
		score += 25
	}

	healthy, total := sup.ComponentHealth()
	switch {
	case total > 0:
		score += 25 * healthy / total
	case initialized:
		// No optional components built; nothing to penalize.
		score += 25
	}

	if connected {
		// Full latency credit at zero, none at the threshold.
		factor := 1 - float64(latency)/float64(threshold)
		if factor < 0 {
			factor = 0
		}
		score += int(20 * factor)
	}
	return score
}

// record appends the sample to the tenant's bounded history, updates
// metrics, and raises rate-limited alerts on bad signals.
func (r *Registry) record(name string, sample types.HealthSample) {
	r.mu.Lock()
	if _, still := r.tenants[name]; !still {
		// Unregistered mid-probe; drop the sample.
		r.mu.Unlock()
		return
	}
	history := append(r.samples[name], sample)
	if len(history) > types.HealthSampleHistorySize {
		history = history[len(history)-types.HealthSampleHistorySize:]
	}
	r.samples[name] = history
	trend := deriveTrend(history)
	limiter := r.alertLimiters[name]
	if limiter == nil {
		perMinute := rate.Every(time.Minute / time.Duration(r.cfg.AlertsPerMinute))
		limiter = rate.NewLimiter(perMinute, 1)
		r.alertLimiters[name] = limiter
	}
	r.mu.Unlock()

	if r.collector != nil {
		r.collector.ObserveHealth(name, sample.Score, sample.Latency)
	}

	r.logger.Debug("health sample",
		zap.String("app", name),
		zap.Int("score", sample.Score),
		zap.String("status", string(sample.Status)),
		zap.Duration("latency", sample.Latency),
		zap.String("trend", string(trend)),
	)

	alertWorthy := sample.Status == types.HealthUnhealthy ||
		sample.Status == types.HealthTimeout ||
		(trend == types.TrendFalling && sample.Status != types.HealthHealthy)
	if !alertWorthy {
		return
	}
	if !limiter.Allow() {
		return
	}

	r.notifier.Notify(component.Event{
		Type:      component.EventHealthAlert,
		Component: "registry",
		Tenant:    name,
		Phase:     "health.probe",
		Message:   "tenant health degraded",
		Fields: map[string]any{
			"score":   sample.Score,
			"status":  string(sample.Status),
			"latency": sample.Latency.String(),
			"trend":   string(trend),
		},
		Timestamp: time.Now(),
	})
	r.logger.Warn("tenant health alert",
		zap.String("app", name),
		zap.Int("score", sample.Score),
		zap.String("status", string(sample.Status)),
		zap.String("trend", string(trend)),
	)
}

// deriveTrend compares the last three samples. Strictly increasing
// scores are rising, strictly decreasing falling, anything else stable.
func deriveTrend(history []types.HealthSample) types.HealthTrend {
	if len(history) < 3 {
		return types.TrendStable
	}
	last := history[len(history)-3:]
	if last[0].Score < last[1].Score && last[1].Score < last[2].Score {
		return types.TrendRising
	}
	if last[0].Score > last[1].Score && last[1].Score > last[2].Score {
		return types.TrendFalling
	}
	return types.TrendStable
}

// Health returns the most recent sample for a tenant; ok reports
// whether one exists.
func (r *Registry) Health(name string) (types.HealthSample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.samples[name]
	if len(history) == 0 {
		return types.HealthSample{}, false
	}
	return history[len(history)-1], true
}

// HealthHistory returns a copy of the retained samples for a tenant,
// oldest first.
func (r *Registry) HealthHistory(name string) []types.HealthSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.samples[name]
	out := make([]types.HealthSample, len(history))
	copy(out, history)
	return out
}

// Trend reports the score direction over the tenant's last samples.
func (r *Registry) Trend(name string) types.HealthTrend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deriveTrend(r.samples[name])
}
