// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/tos-network/block-unlocker/internal/config"
	"github.com/tos-network/block-unlocker/internal/unlocker"
	"github.com/tos-network/block-unlocker/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// event is one custom event ready to be recorded
type event struct {
	Type   string
	Params map[string]interface{}
}

// passEvents builds the custom events describing one pass
func passEvents(result *unlocker.PassResult, err error, elapsed time.Duration) []event {
	pass := map[string]interface{}{
		"durationMs": elapsed.Milliseconds(),
		"success":    err == nil,
	}
	if err != nil {
		pass["error"] = err.Error()
	}

	if result == nil {
		return []event{{Type: "UnlockerPass", Params: pass}}
	}

	pass["candidates"] = result.Candidates
	pass["malformed"] = result.Malformed
	pass["pending"] = result.Pending
	pass["orphaned"] = len(result.Orphaned)
	pass["matured"] = len(result.Matured)
	pass["workersPaid"] = result.WorkersPaid

	events := []event{{Type: "UnlockerPass", Params: pass}}

	for _, b := range result.Orphaned {
		events = append(events, event{Type: "BlockOrphaned", Params: map[string]interface{}{
			"height":     b.Height,
			"hash":       b.Hash,
			"chainHash":  b.ActualHash,
			"difficulty": b.Difficulty,
		}})
	}

	for _, b := range result.Matured {
		events = append(events, event{Type: "BlockUnlocked", Params: map[string]interface{}{
			"height":     b.Height,
			"hash":       b.Hash,
			"reward":     b.Reward,
			"depth":      b.Depth,
			"difficulty": b.Difficulty,
		}})
	}

	return events
}

// ObservePass implements unlocker.Observer
func (a *Agent) ObservePass(result *unlocker.PassResult, err error, elapsed time.Duration) {
	if !a.IsEnabled() {
		return
	}

	if err != nil {
		txn := a.StartTransaction("UnlockerPass")
		a.NoticeError(txn, err)
		txn.End()
	}

	for _, e := range passEvents(result, err, elapsed) {
		a.RecordCustomEvent(e.Type, e.Params)
	}

	a.RecordCustomMetric("Custom/Unlocker/PassDuration", elapsed.Seconds())
	if result != nil {
		a.RecordCustomMetric("Custom/Unlocker/Pending", float64(result.Pending))
		a.RecordCustomMetric("Custom/Unlocker/WorkersPaid", float64(result.WorkersPaid))
	}
}
