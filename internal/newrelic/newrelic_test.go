package newrelic

import (
	"errors"
	"testing"
	"time"

	"github.com/tos-network/block-unlocker/internal/config"
	"github.com/tos-network/block-unlocker/internal/storage"
	"github.com/tos-network/block-unlocker/internal/unlocker"
)

func TestNewAgent(t *testing.T) {
	cfg := &config.NewRelicConfig{
		Enabled:    true,
		AppName:    "Block Unlocker",
		LicenseKey: "test_key",
	}

	agent := NewAgent(cfg)

	if agent.cfg != cfg {
		t.Error("Agent.cfg not set correctly")
	}

	if agent.app != nil {
		t.Error("Agent.app should be nil before Start()")
	}
}

func TestStartDisabled(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}

	if agent.IsEnabled() {
		t.Error("Agent should not be enabled when disabled in config")
	}
}

func TestStartNoLicenseKey(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: true, AppName: "Block Unlocker"})

	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error with empty license key: %v", err)
	}

	if agent.IsEnabled() {
		t.Error("Agent should not be enabled with empty license key")
	}
}

func TestNotStartedIsNoop(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	if txn := agent.StartTransaction("test"); txn != nil {
		t.Error("StartTransaction() should return nil when not started")
	}

	// Should not panic
	agent.RecordCustomEvent("TestEvent", map[string]interface{}{"key": "value"})
	agent.RecordCustomMetric("Custom/Test", 123.45)
	agent.NoticeError(nil, errors.New("ignored"))
	agent.ObservePass(&unlocker.PassResult{}, errors.New("ignored"), time.Second)
	agent.Stop()
}

func TestPassEvents(t *testing.T) {
	result := &unlocker.PassResult{
		Candidates: 3,
		Pending:    1,
		Orphaned: []*unlocker.Block{{
			Candidate:  &storage.Candidate{Height: 7, Hash: "ours"},
			ActualHash: "theirs",
		}},
		Matured: []*unlocker.Block{{
			Candidate: &storage.Candidate{Height: 5, Hash: "abc"},
			Reward:    1000,
			Depth:     150,
		}},
		WorkersPaid: 3,
	}

	events := passEvents(result, nil, 1500*time.Millisecond)

	if len(events) != 3 {
		t.Fatalf("passEvents() len = %d, want 3", len(events))
	}

	pass := events[0]
	if pass.Type != "UnlockerPass" {
		t.Errorf("events[0].Type = %s, want UnlockerPass", pass.Type)
	}
	if pass.Params["success"] != true || pass.Params["durationMs"] != int64(1500) {
		t.Errorf("pass params = %v", pass.Params)
	}
	if pass.Params["matured"] != 1 || pass.Params["orphaned"] != 1 || pass.Params["workersPaid"] != 3 {
		t.Errorf("pass params = %v", pass.Params)
	}
	if _, ok := pass.Params["error"]; ok {
		t.Error("successful pass should not carry an error")
	}

	if events[1].Type != "BlockOrphaned" || events[1].Params["chainHash"] != "theirs" {
		t.Errorf("events[1] = %+v", events[1])
	}

	if events[2].Type != "BlockUnlocked" || events[2].Params["reward"] != uint64(1000) {
		t.Errorf("events[2] = %+v", events[2])
	}
}

func TestPassEventsError(t *testing.T) {
	events := passEvents(nil, errors.New("redis down"), time.Second)

	if len(events) != 1 {
		t.Fatalf("passEvents() len = %d, want 1", len(events))
	}

	if events[0].Params["success"] != false || events[0].Params["error"] != "redis down" {
		t.Errorf("params = %v", events[0].Params)
	}
}

func TestConcurrentAccess(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			agent.IsEnabled()
			agent.StartTransaction("test")
			agent.RecordCustomEvent("test", nil)
			agent.RecordCustomMetric("test", 1.0)
			agent.ObservePass(nil, nil, time.Millisecond)
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
