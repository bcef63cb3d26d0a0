// Package config loads the app's configuration from a JSON file, with
// a small set of environment overrides for deployment-specific values.
package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables recognized by applyEnv. They win over the
// values from the configuration file.
const (
	EnvAPIHost   = "SPOTIFYSAVER_API_HOST"
	EnvAPIPort   = "SPOTIFYSAVER_API_PORT"
	EnvRedisAddr = "SPOTIFYSAVER_REDIS_ADDR"
	EnvOutputDir = "SPOTIFYSAVER_OUTPUT_DIR"
)

// Config holds the app's configuration
type Config struct {
	API struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"api"`

	Redis struct {
		// Addr enables the Redis-backed store when set. Empty means
		// the in-memory store.
		Addr string `json:"addr"`
	} `json:"redis"`

	Processor struct {
		OutputDir     string `json:"output_dir"`
		Concurrency   int    `json:"concurrency"`
		JobTTL        int    `json:"job_ttl"`
		SweepSchedule string `json:"sweep_schedule"`
		StatsInterval int    `json:"stats_interval"`
	} `json:"processor"`

	Fetcher struct {
		ResolveCmd []string `json:"resolve_cmd"`
		FetchCmd   []string `json:"fetch_cmd"`
	} `json:"fetcher"`

	Notifier struct {
		Concurrency int `json:"concurrency"`
	} `json:"notifier"`

	Backends map[string]map[string]interface{} `json:"backends"`
}

// Parse loads a given file name and creates a Configuration. A .env
// file in the working directory, if any, is loaded first and the
// SPOTIFYSAVER_* environment variables override the file's values.
func Parse(filename string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(filename)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	err = dec.Decode(&cfg)
	if err != nil {
		return cfg, err
	}

	// missing .env is fine
	godotenv.Load()

	err = cfg.applyEnv()
	if err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvAPIHost); ok {
		cfg.API.Host = v
	}
	if v, ok := os.LookupEnv(EnvAPIPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		cfg.API.Port = port
	}
	if v, ok := os.LookupEnv(EnvRedisAddr); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := os.LookupEnv(EnvOutputDir); ok {
		cfg.Processor.OutputDir = v
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.API.Port == 0 {
		cfg.API.Port = 8000
	}
	if cfg.Processor.Concurrency == 0 {
		cfg.Processor.Concurrency = 4
	}
	if cfg.Notifier.Concurrency == 0 {
		cfg.Notifier.Concurrency = 2
	}
}
