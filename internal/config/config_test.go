package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"lastmile/internal/opt"
)

func TestDefaultsMatchOptimizerBaseline(t *testing.T) {
	o := Default().Optimizer
	if o.TimeWeight != 1 || o.FuelWeight != 0.5 || o.PriorityWeight != 100 || o.BasePenalty != 100000 {
		t.Fatalf("unexpected weights: %+v", o)
	}
	if o.VehicleCapacity != 40 || o.NumVehicles != 1 || o.DepotIndex != 0 {
		t.Fatalf("unexpected fleet: %+v", o)
	}
	if o.VarianceThreshold != 0.15 || o.TimeLimit() != 10*time.Second {
		t.Fatalf("unexpected search defaults: %+v", o)
	}
	if Default().Matrix.FallbackSpeedKmh != 30 {
		t.Fatalf("fallback speed: %v", Default().Matrix.FallbackSpeedKmh)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lastmile.yaml")
	body := []byte("port: \"9090\"\nmatrix:\n  provider: tomtom\n  cacheTtl: 2m\noptimizer:\n  numVehicles: 3\n  policy: best\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")
	t.Setenv("RATE_BURST", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "7070" {
		t.Fatalf("env should win over file, got port %s", cfg.Port)
	}
	if cfg.Matrix.Provider != "tomtom" || cfg.Matrix.CacheTTL != 2*time.Minute {
		t.Fatalf("matrix from file not applied: %+v", cfg.Matrix)
	}
	if cfg.Optimizer.NumVehicles != 3 || cfg.Optimizer.VehicleCapacity != 40 {
		t.Fatalf("file should overlay defaults: %+v", cfg.Optimizer)
	}
	if cfg.Rate.Burst != 5 {
		t.Fatalf("rate burst: %d", cfg.Rate.Burst)
	}
	o, err := cfg.Optimizer.SolveOptions()
	if err != nil || o.Policy != opt.BestImprovement {
		t.Fatalf("SolveOptions: %+v %v", o, err)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("RATE_RPS", "fast")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric RATE_RPS")
	}
}

func TestMergeOverrides(t *testing.T) {
	base := DefaultOptimizer()
	got, err := base.Merge(map[string]any{"numVehicles": float64(4), "basePenalty": 10.0, "unknown": "x"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got.NumVehicles != 4 || got.BasePenalty != 10 || got.TimeWeight != base.TimeWeight {
		t.Fatalf("unexpected merge result: %+v", got)
	}
	if base.NumVehicles != 1 {
		t.Fatal("Merge must not modify the receiver")
	}
	if _, err := base.Merge(map[string]any{"numVehicles": "many"}); err == nil {
		t.Fatal("expected type error")
	}
	if m := got.AsMap(); m["numVehicles"] != float64(4) {
		t.Fatalf("AsMap: %v", m)
	}
}
