package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lastmile/internal/config"
	"lastmile/internal/stops"
)

func TestClock(t *testing.T) {
	cases := map[float64]string{0: "0:00", 59: "0:00", 3600: "1:00", 5430: "1:30", 90000: "25:00"}
	for sec, want := range cases {
		if got := clock(sec); got != want {
			t.Errorf("clock(%v) = %q, want %q", sec, got, want)
		}
	}
}

func TestRunGenerated(t *testing.T) {
	cfg := config.Default()
	cfg.Optimizer.NumVehicles = 2
	out := filepath.Join(t.TempDir(), "plan.geojson")

	err := run(context.Background(), cfg, stops.GeneratedSource{N: 8, Seed: 7}, runFlags{
		geoOut:    out,
		timeLimit: 2 * time.Second,
		parity:    true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read geojson: %v", err)
	}
	if !strings.Contains(string(b), `"FeatureCollection"`) {
		t.Fatalf("unexpected geojson: %.200s", b)
	}
}
