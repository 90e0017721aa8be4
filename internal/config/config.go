// Package config loads service and optimizer settings from defaults, an
// optional YAML file and the environment, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lastmile/internal/opt"
)

// Config is the full runtime configuration of the API service and CLI.
type Config struct {
	Port        string          `yaml:"port"`
	DatabaseURL string          `yaml:"databaseUrl"`
	SQLitePath  string          `yaml:"sqlitePath"`
	RedisURL    string          `yaml:"redisUrl"`
	Matrix      MatrixConfig    `yaml:"matrix"`
	Optimizer   OptimizerConfig `yaml:"optimizer"`
	Rate        RateConfig      `yaml:"rate"`
	Auth        AuthConfig      `yaml:"auth"`
	Webhooks    WebhookConfig   `yaml:"webhooks"`
}

type MatrixConfig struct {
	// Provider is "haversine" or "tomtom". TomTom falls back to haversine on error.
	Provider         string        `yaml:"provider"`
	TomTomAPIKey     string        `yaml:"tomtomApiKey"`
	TomTomBaseURL    string        `yaml:"tomtomBaseUrl"`
	RequestsPerSec   float64       `yaml:"requestsPerSec"`
	FallbackSpeedKmh float64       `yaml:"fallbackSpeedKmh"`
	CacheTTL         time.Duration `yaml:"cacheTtl"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AuthConfig selects bearer token verification: dev ("tenant:role"
// tokens), hmac (HS256) or jwks (RS256 keys fetched from JWKSURL).
type AuthConfig struct {
	Mode       string `yaml:"mode"`
	HMACSecret string `yaml:"hmacSecret"`
	JWKSURL    string `yaml:"jwksUrl"`
}

type WebhookConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// OptimizerConfig holds the solver defaults. The JSON form is what the
// optimizer config endpoints expose and what stored overrides merge into.
type OptimizerConfig struct {
	TimeWeight             float64 `yaml:"timeWeight" json:"timeWeight"`
	FuelWeight             float64 `yaml:"fuelWeight" json:"fuelWeight"`
	PriorityWeight         float64 `yaml:"priorityWeight" json:"priorityWeight"`
	BasePenalty            float64 `yaml:"basePenalty" json:"basePenalty"`
	VehicleCapacity        int     `yaml:"vehicleCapacity" json:"vehicleCapacity"`
	NumVehicles            int     `yaml:"numVehicles" json:"numVehicles"`
	DepotIndex             int     `yaml:"depotIndex" json:"depotIndex"`
	SearchTimeLimitSeconds float64 `yaml:"searchTimeLimitSeconds" json:"searchTimeLimitSeconds"`
	WaitSlackSec           float64 `yaml:"waitSlackSec" json:"waitSlackSec"`
	HorizonSec             float64 `yaml:"horizonSec" json:"horizonSec"`
	Policy                 string  `yaml:"policy" json:"policy"`
	Attempts               int     `yaml:"attempts" json:"attempts"`
	Seed                   int64   `yaml:"seed" json:"seed"`
	VarianceThreshold      float64 `yaml:"varianceThreshold" json:"varianceThreshold"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port: "8080",
		Matrix: MatrixConfig{
			Provider:         "haversine",
			TomTomBaseURL:    "https://api.tomtom.com",
			RequestsPerSec:   5,
			FallbackSpeedKmh: 30,
			CacheTTL:         15 * time.Minute,
		},
		Optimizer: DefaultOptimizer(),
		Rate:      RateConfig{RPS: 20, Burst: 40},
		Auth:      AuthConfig{Mode: "dev"},
		Webhooks:  WebhookConfig{MaxAttempts: 10, PollInterval: time.Second},
	}
}

func DefaultOptimizer() OptimizerConfig {
	w := opt.DefaultWeights()
	return OptimizerConfig{
		TimeWeight:             w.Time,
		FuelWeight:             w.Fuel,
		PriorityWeight:         w.Priority,
		BasePenalty:            w.BasePenalty,
		VehicleCapacity:        40,
		NumVehicles:            1,
		DepotIndex:             0,
		SearchTimeLimitSeconds: opt.DefaultTimeLimit.Seconds(),
		WaitSlackSec:           opt.DefaultWaitSlack,
		HorizonSec:             opt.DefaultHorizon,
		Policy:                 opt.FirstImprovement.String(),
		Attempts:               1,
		Seed:                   42,
		VarianceThreshold:      0.15,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE if set, then environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.Matrix.Provider = strings.ToLower(getEnv("MATRIX_PROVIDER", c.Matrix.Provider))
	c.Matrix.TomTomAPIKey = getEnv("TOMTOM_API_KEY", c.Matrix.TomTomAPIKey)
	c.Matrix.TomTomBaseURL = getEnv("TOMTOM_BASE_URL", c.Matrix.TomTomBaseURL)
	c.Auth.Mode = strings.ToLower(getEnv("AUTH_MODE", c.Auth.Mode))
	c.Auth.HMACSecret = getEnv("AUTH_HMAC_SECRET", c.Auth.HMACSecret)
	c.Auth.JWKSURL = getEnv("AUTH_JWKS_URL", c.Auth.JWKSURL)

	var err error
	if c.Matrix.FallbackSpeedKmh, err = envFloat("FALLBACK_SPEED_KMH", c.Matrix.FallbackSpeedKmh); err != nil {
		return err
	}
	if c.Matrix.CacheTTL, err = envDuration("MATRIX_CACHE_TTL", c.Matrix.CacheTTL); err != nil {
		return err
	}
	if c.Rate.RPS, err = envFloat("RATE_RPS", c.Rate.RPS); err != nil {
		return err
	}
	if c.Rate.Burst, err = envInt("RATE_BURST", c.Rate.Burst); err != nil {
		return err
	}
	if c.Webhooks.MaxAttempts, err = envInt("WEBHOOK_MAX_ATTEMPTS", c.Webhooks.MaxAttempts); err != nil {
		return err
	}
	if c.Optimizer.SearchTimeLimitSeconds, err = envFloat("SEARCH_TIME_LIMIT_SECONDS", c.Optimizer.SearchTimeLimitSeconds); err != nil {
		return err
	}
	if c.Optimizer.VarianceThreshold, err = envFloat("REOPT_VARIANCE_THRESHOLD", c.Optimizer.VarianceThreshold); err != nil {
		return err
	}
	return nil
}

// Merge overlays stored overrides onto o. Only keys present in overrides
// change; unknown keys are ignored.
func (o OptimizerConfig) Merge(overrides map[string]any) (OptimizerConfig, error) {
	if len(overrides) == 0 {
		return o, nil
	}
	b, err := json.Marshal(overrides)
	if err != nil {
		return o, fmt.Errorf("config: encode overrides: %w", err)
	}
	out := o
	if err := json.Unmarshal(b, &out); err != nil {
		return o, fmt.Errorf("config: decode overrides: %w", err)
	}
	return out, nil
}

// AsMap returns o in its JSON shape.
func (o OptimizerConfig) AsMap() map[string]any {
	b, _ := json.Marshal(o)
	m := map[string]any{}
	_ = json.Unmarshal(b, &m)
	return m
}

func (o OptimizerConfig) Weights() opt.Weights {
	return opt.Weights{Time: o.TimeWeight, Fuel: o.FuelWeight, Priority: o.PriorityWeight, BasePenalty: o.BasePenalty}
}

func (o OptimizerConfig) Fleet() opt.Fleet {
	return opt.Fleet{Capacity: o.VehicleCapacity, Count: o.NumVehicles, DepotIndex: o.DepotIndex}
}

func (o OptimizerConfig) TimeLimit() time.Duration {
	return time.Duration(o.SearchTimeLimitSeconds * float64(time.Second))
}

// SolveOptions converts the search settings. An unknown policy name is an error.
func (o OptimizerConfig) SolveOptions() (opt.Options, error) {
	policy, err := opt.ParsePolicy(o.Policy)
	if err != nil {
		return opt.Options{}, err
	}
	return opt.Options{TimeLimit: o.TimeLimit(), Policy: policy, Seed: o.Seed, Attempts: o.Attempts}, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
