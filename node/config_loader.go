package node

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadEnv.
const EnvPrefix = "FOOTSTEPS_"

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return ParseYAML(data, cfg)
}

// ParseYAML overlays YAML data onto cfg. Unknown keys are rejected.
func ParseYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return invalid("yaml: %v", err)
	}
	return nil
}

// LoadEnv loads the given .env files (missing files are skipped) into the
// process environment without overriding variables already set, then
// overlays FOOTSTEPS_* variables onto cfg.
func LoadEnv(cfg *Config, files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return applyEnv(cfg, os.LookupEnv)
}

// applyEnv overlays environment values found through lookup onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	strs := map[string]*string{
		"NAME":           &cfg.Name,
		"UI_ADDR":        &cfg.UIAddr,
		"P2P_ADDR":       &cfg.P2PAddr,
		"ADVERTISED_URL": &cfg.AdvertisedURL,
		"PROVER_COMMAND": &cfg.ProverCommand,
		"LOG_LEVEL":      &cfg.LogLevel,
		"LOG_FORMAT":     &cfg.LogFormat,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DISCOVERY_PORT":    &cfg.DiscoveryPort,
		"MAX_PEERS":         &cfg.MaxPeers,
		"ANNOUNCE_ATTEMPTS": &cfg.AnnounceAttempts,
		"VERIFY_CACHE_SIZE": &cfg.VerifyCacheSize,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return invalid("%s%s: %v", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"BATCH_INTERVAL":    &cfg.BatchInterval,
		"POLL_INTERVAL":     &cfg.PollInterval,
		"PUSH_INTERVAL":     &cfg.PushInterval,
		"ANNOUNCE_INTERVAL": &cfg.AnnounceInterval,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return invalid("%s%s: %v", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	if v, ok := get("DISCOVERY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return invalid("%sDISCOVERY: %v", EnvPrefix, err)
		}
		cfg.Discovery = b
	}
	if v, ok := get("PEERS"); ok {
		peers, err := ParsePeers(v)
		if err != nil {
			return err
		}
		cfg.Peers = peers
	}
	return nil
}
