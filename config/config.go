// Package config loads the operator-facing configuration for a relaycache
// deployment: the tunables of relaycache.Config (spec §6's CacheConfig),
// read from environment variables, plus the origins and their per-origin
// Cache-Control override rules, read from a YAML file.
package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/relaycache/relaycache/config/rules"
)

// File is the top-level shape of a relaycache YAML configuration file.
type File struct {
	Origins []Origin `yaml:"origins"`
}

// Origin configures one proxied origin.
type Origin struct {
	Origin        string      `yaml:"origin"`
	Host          string      `yaml:"host"`
	DisableUpdate bool        `yaml:"disableUpdate"`
	Rules         rules.Rules `yaml:"rules"`
}

// Engine holds the process-wide tunables that map onto relaycache.Config.
// Load fills it from environment variables and their envDefault values
// only; the yaml tags are not read by Load.
type Engine struct {
	MaxObjectSizeBytes      int64   `yaml:"maxObjectSizeBytes" env:"RELAYCACHE_MAX_OBJECT_SIZE_BYTES" envDefault:"8192"`
	SharedCache             bool    `yaml:"sharedCache" env:"RELAYCACHE_SHARED_CACHE" envDefault:"true"`
	HeuristicCachingEnabled bool    `yaml:"heuristicCachingEnabled" env:"RELAYCACHE_HEURISTIC_ENABLED" envDefault:"false"`
	HeuristicCoefficient    float64 `yaml:"heuristicCoefficient" env:"RELAYCACHE_HEURISTIC_COEFFICIENT" envDefault:"0.1"`
	AsyncWorkersMax         int     `yaml:"asyncWorkersMax" env:"RELAYCACHE_ASYNC_WORKERS_MAX" envDefault:"8"`
	AsyncWorkersCore        int     `yaml:"asyncWorkersCore" env:"RELAYCACHE_ASYNC_WORKERS_CORE" envDefault:"2"`
	RevalidationQueueSize   int     `yaml:"revalidationQueueSize" env:"RELAYCACHE_REVALIDATION_QUEUE_SIZE" envDefault:"128"`
	StoreDriver             string  `yaml:"storeDriver" env:"RELAYCACHE_STORE_DRIVER" envDefault:"memory"`
	StoreDSN                string  `yaml:"storeDSN" env:"RELAYCACHE_STORE_DSN"`
}

// Load reads the origins from a YAML file (if filename is non-empty and
// exists) into File, and the tunables from environment variables into
// Engine. The YAML file does not set any Engine field.
func Load(filename string) (File, Engine, error) {
	var file File
	if filename != "" {
		if data, err := os.ReadFile(filename); err == nil {
			if err := yaml.Unmarshal(data, &file); err != nil {
				return file, Engine{}, err
			}
		} else if !os.IsNotExist(err) {
			return file, Engine{}, err
		}
	}

	engine := Engine{}
	if err := env.Parse(&engine); err != nil {
		return file, Engine{}, err
	}
	return file, engine, nil
}
