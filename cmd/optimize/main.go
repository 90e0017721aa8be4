// Command optimize plans delivery routes for a stop file or a generated
// instance and prints the plan.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"

	"lastmile/internal/config"
	"lastmile/internal/matrix"
	"lastmile/internal/opt"
	"lastmile/internal/render"
	"lastmile/internal/stops"
	"lastmile/internal/trigger"
)

func main() {
	var (
		stopsPath  = flag.String("stops", "", "stop file (.csv, .json, .yaml)")
		generate   = flag.Int("generate", 0, "generate this many random stops instead of reading a file")
		seed       = flag.Int64("seed", 42, "seed for generated stops and the search")
		configPath = flag.String("config", "", "YAML config file")
		geoOut     = flag.String("geojson", "", "write the plan as GeoJSON to this file")
		timeLimit  = flag.Duration("time-limit", 0, "search time limit (default from config)")
		attempts   = flag.Int("attempts", 0, "concurrent search attempts (default from config)")
		policy     = flag.String("policy", "", "local search policy: first or best")
		parity     = flag.Bool("parity-windows", false, "assign the even/odd demo time windows to every stop")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}
	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var src stops.Source
	switch {
	case *stopsPath != "":
		src = stops.FileSource{Path: *stopsPath}
	case *generate > 0:
		src = stops.GeneratedSource{N: *generate, Seed: *seed}
	default:
		fmt.Fprintln(os.Stderr, "one of -stops or -generate is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	if err := run(ctx, cfg, src, runFlags{
		seed:      *seed,
		seedSet:   isSet("seed"),
		geoOut:    *geoOut,
		timeLimit: *timeLimit,
		attempts:  *attempts,
		policy:    *policy,
		parity:    *parity,
	}); err != nil {
		log.Fatal(err)
	}
}

type runFlags struct {
	seed      int64
	seedSet   bool
	geoOut    string
	timeLimit time.Duration
	attempts  int
	policy    string
	parity    bool
}

func isSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func run(ctx context.Context, cfg config.Config, src stops.Source, fl runFlags) error {
	list, err := src.Stops(ctx)
	if err != nil {
		return fmt.Errorf("load stops: %w", err)
	}
	if fl.parity {
		list = stops.ParityWindows(list)
	}
	log.Printf("stops source=%s count=%d", src.Name(), len(list))

	var rdb *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		o, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(o)
		defer rdb.Close()
	}
	provider := matrix.New(cfg.Matrix, rdb)

	start := time.Now()
	m, err := provider.Matrix(ctx, stops.Locations(list))
	if err != nil {
		return fmt.Errorf("travel matrix: %w", err)
	}
	log.Printf("matrix provider=%s size=%d dur=%dms", cfg.Matrix.Provider, m.Size(), time.Since(start).Milliseconds())

	oc := cfg.Optimizer
	p, err := opt.NewProblem(stops.ToNodes(list, oc.HorizonSec), m.Distances, m.Durations, oc.Fleet(), oc.Weights(),
		opt.WithWaitSlack(oc.WaitSlackSec), opt.WithHorizon(oc.HorizonSec))
	if err != nil {
		return err
	}

	o, err := oc.SolveOptions()
	if err != nil {
		return err
	}
	if fl.policy != "" {
		if o.Policy, err = opt.ParsePolicy(fl.policy); err != nil {
			return err
		}
	}
	if fl.seedSet {
		o.Seed = fl.seed
	}
	if fl.timeLimit > 0 {
		o.TimeLimit = fl.timeLimit
	}
	if fl.attempts > 0 {
		o.Attempts = fl.attempts
	}
	o.OnImprove = func(pr opt.Progress) {
		log.Printf("improve attempt=%d phase=%s objective=%.1f dropped=%d elapsed=%dms",
			pr.Attempt, pr.Phase, pr.Objective, pr.Dropped, pr.Elapsed.Milliseconds())
	}

	res, err := opt.Solve(p, o)
	if err != nil {
		return fmt.Errorf("solve: %w", err)
	}
	printPlan(list, p, res)

	if fl.geoOut != "" {
		if err := writeGeoJSON(fl.geoOut, list, res, oc.DepotIndex); err != nil {
			return err
		}
		log.Printf("geojson written path=%s", fl.geoOut)
	}

	simulateTrigger(res, oc.VarianceThreshold)
	return nil
}

func printPlan(list []stops.Stop, p *opt.Problem, res opt.Result) {
	fmt.Printf("Objective %.1f  locally optimal=%v  attempt=%d  elapsed=%dms\n",
		res.Objective, res.LocallyOptimal, res.Attempt, res.Metrics.ElapsedMs)
	var dist, tm float64
	for _, rt := range res.Routes {
		if len(rt.Sequence) <= 2 {
			fmt.Printf("\nVehicle %d: unused\n", rt.VehicleID)
			continue
		}
		fmt.Printf("\nVehicle %d: load %d/%d  distance %.2f km  travel %.1f min  back %.1f min\n",
			rt.VehicleID, rt.Load, p.Capacity(rt.VehicleID), rt.TotalDistance/1000, rt.TotalTime/60, rt.EndTime/60)
		for k, idx := range rt.Sequence {
			s := list[idx]
			window := "-"
			if w := p.Window(idx); w != nil {
				window = fmt.Sprintf("[%s, %s]", clock(w.Earliest), clock(w.Latest))
			}
			fmt.Printf("  %2d. %-10s arrive %s  window %-20s demand %d  priority %d\n",
				k, s.ID, clock(rt.Arrivals[k]), window, s.Demand, s.Priority)
		}
		dist += rt.TotalDistance
		tm += rt.TotalTime
	}
	fmt.Printf("\nTotal distance %.2f km, travel %.1f min\n", dist/1000, tm/60)
	if len(res.Dropped) == 0 {
		fmt.Println("Dropped: none")
		return
	}
	ids := make([]string, len(res.Dropped))
	for i, d := range res.Dropped {
		ids[i] = fmt.Sprintf("%s(p%d)", list[d].ID, list[d].Priority)
	}
	fmt.Printf("Dropped: %s\n", strings.Join(ids, ", "))
}

// clock formats seconds from route start as h:mm.
func clock(sec float64) string {
	d := time.Duration(sec) * time.Second
	return fmt.Sprintf("%d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

func writeGeoJSON(path string, list []stops.Stop, res opt.Result, depot int) error {
	fc, err := render.GeoJSON(list, res.Routes, res.Dropped, depot)
	if err != nil {
		return err
	}
	b, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode geojson: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write geojson: %w", err)
	}
	return nil
}

// simulateTrigger checks the first used route against ETAs 10% and 20% late.
func simulateTrigger(res opt.Result, threshold float64) {
	for _, rt := range res.Routes {
		if len(rt.Sequence) <= 2 {
			continue
		}
		for _, dev := range []float64{0.10, 0.20} {
			d, err := trigger.Check(rt.TotalTime*(1+dev), rt.TotalTime, threshold)
			if err != nil {
				log.Printf("trigger: %v", err)
				return
			}
			fmt.Printf("ETA +%.0f%%: variance %.2f threshold %.2f reoptimize=%v\n", dev*100, d.Variance, d.Threshold, d.Reoptimize)
		}
		return
	}
	fmt.Println("No used route to check the re-optimization trigger against.")
}
