package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"privacyvaults/vault-core/hasher"
	merkletree "privacyvaults/vault-core/merkle-tree"
)

type Config struct {
	TreeHeight       int      `toml:"tree_height"`
	HashBackend      string   `toml:"hash_backend"`
	HashURL          string   `toml:"hash_url"`
	HashCacheSize    int      `toml:"hash_cache_size"`
	ProverAddress    string   `toml:"prover_address"`
	MetricsAddress   string   `toml:"metrics_address"`
	RedisURL         string   `toml:"redis_url"`
	ProverURL        string   `toml:"prover_url"`
	CommitmentsQueue string   `toml:"commitments_queue"`
	Keys             []string `toml:"keys"`
}

func Default() Config {
	return Config{
		TreeHeight:       20,
		HashBackend:      hasher.Poseidon2Backend,
		HashCacheSize:    4096,
		ProverAddress:    "0.0.0.0:3001",
		MetricsAddress:   "0.0.0.0:9998",
		CommitmentsQueue: "vault_commitments_queue",
	}
}

// ReadConfig loads file over the defaults and then fills unset secrets from
// the environment.
func ReadConfig(file string) (Config, error) {
	cfg := Default()
	if file != "" {
		configFileData, err := os.ReadFile(file)
		if err != nil {
			return cfg, err
		}
		if err := toml.Unmarshal(configFileData, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", file, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func (cfg *Config) ApplyEnv() {
	if cfg.RedisURL == "" {
		cfg.RedisURL = os.Getenv("REDIS_URL")
	}
	if key := os.Getenv("VAULT_API_KEY"); key != "" && !cfg.HasKey(key) {
		cfg.Keys = append(cfg.Keys, key)
	}
}

func (cfg *Config) HasKey(key string) bool {
	for _, k := range cfg.Keys {
		if k == key {
			return true
		}
	}
	return false
}

func (cfg *Config) Validate() error {
	var errs []error
	if cfg.TreeHeight < 1 || cfg.TreeHeight > merkletree.MaxHeight {
		errs = append(errs, fmt.Errorf("tree_height must be between 1 and %d, got %d", merkletree.MaxHeight, cfg.TreeHeight))
	}
	switch cfg.HashBackend {
	case hasher.Poseidon2Backend, hasher.PoseidonBackend:
	case hasher.RemoteBackend:
		if cfg.HashURL == "" {
			errs = append(errs, errors.New("hash_url is required for the remote hash backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", hasher.ErrUnknownBackend, cfg.HashBackend))
	}
	if cfg.HashCacheSize < 0 {
		errs = append(errs, fmt.Errorf("hash_cache_size must not be negative, got %d", cfg.HashCacheSize))
	}
	return errors.Join(errs...)
}

// Hasher builds the configured hash backend, instrumented and, when
// hash_cache_size is positive, memoized.
func (cfg *Config) Hasher() (hasher.Hasher, error) {
	var h hasher.Hasher
	if cfg.HashBackend == hasher.RemoteBackend {
		h = hasher.NewRemote(cfg.HashURL, 10*time.Second)
	} else {
		local, err := hasher.ByName(cfg.HashBackend)
		if err != nil {
			return nil, err
		}
		h = local
	}
	h = hasher.NewInstrumented(h, cfg.backendLabel())
	if cfg.HashCacheSize > 0 {
		cached, err := hasher.NewCached(h, cfg.HashCacheSize)
		if err != nil {
			return nil, err
		}
		h = cached
	}
	return h, nil
}

func (cfg *Config) backendLabel() string {
	if cfg.HashBackend == "" {
		return hasher.Poseidon2Backend
	}
	return cfg.HashBackend
}
