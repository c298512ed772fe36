// Package node assembles a footsteps node from its configuration and runs
// its services: the peer overlay, LAN discovery, the batch scheduler, the
// disseminator and the UI channel.
package node

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/footsteps/footsteps/log"
)

// ErrInvalidConfig wraps every configuration error. It is fatal at startup.
var ErrInvalidConfig = errors.New("node: invalid config")

// Config holds the startup configuration of a node. It is immutable once
// the node is created.
type Config struct {
	// Name is the display name shown to peers and UI clients.
	Name string `yaml:"name"`

	// UIAddr is the listen address of the UI channel.
	UIAddr string `yaml:"ui_addr"`

	// P2PAddr is the listen address of the peer overlay.
	P2PAddr string `yaml:"p2p_addr"`

	// Peers are host:port seed addresses dialed once at startup.
	Peers []string `yaml:"peers"`

	// AdvertisedURL is an optional externally reachable URL announced to
	// peers.
	AdvertisedURL string `yaml:"advertised_url"`

	Discovery     bool `yaml:"discovery"`
	DiscoveryPort int  `yaml:"discovery_port"`
	MaxPeers      int  `yaml:"max_peers"`

	BatchInterval    time.Duration `yaml:"batch_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PushInterval     time.Duration `yaml:"push_interval"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	// AnnounceAttempts bounds announcement retries; 0 retries until a peer
	// is reachable.
	AnnounceAttempts int `yaml:"announce_attempts"`

	// ProverCommand runs an external proving backend. Empty selects the
	// in-process backend.
	ProverCommand string `yaml:"prover_command"`
	// VerifyCacheSize bounds the verification cache; 0 disables it.
	VerifyCacheSize int `yaml:"verify_cache_size"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns a Config with the default ports and cadences.
func DefaultConfig() Config {
	return Config{
		Name:             "anonymous",
		UIAddr:           ":8080",
		P2PAddr:          ":9000",
		Discovery:        true,
		DiscoveryPort:    9999,
		MaxPeers:         25,
		BatchInterval:    5 * time.Second,
		PollInterval:     100 * time.Millisecond,
		PushInterval:     100 * time.Millisecond,
		AnnounceInterval: 3 * time.Second,
		VerifyCacheSize:  1024,
		LogLevel:         "info",
		LogFormat:        log.FormatText,
	}
}

// Validate checks the configuration. Every error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name must not be empty")
	}
	if err := checkListenAddr(c.UIAddr); err != nil {
		return invalid("ui address: %v", err)
	}
	if err := checkListenAddr(c.P2PAddr); err != nil {
		return invalid("p2p address: %v", err)
	}
	for _, p := range c.Peers {
		if err := checkPeerAddr(p); err != nil {
			return invalid("peer %q: %v", p, err)
		}
	}
	if c.AdvertisedURL != "" {
		u, err := url.Parse(c.AdvertisedURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("advertised url %q does not parse", c.AdvertisedURL)
		}
	}
	if c.Discovery && (c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535) {
		return invalid("discovery port %d out of range", c.DiscoveryPort)
	}
	if c.MaxPeers <= 0 {
		return invalid("max peers must be positive, got %d", c.MaxPeers)
	}
	for name, d := range map[string]time.Duration{
		"batch interval":    c.BatchInterval,
		"poll interval":     c.PollInterval,
		"push interval":     c.PushInterval,
		"announce interval": c.AnnounceInterval,
	} {
		if d <= 0 {
			return invalid("%s must be positive, got %v", name, d)
		}
	}
	if c.AnnounceAttempts < 0 {
		return invalid("announce attempts must not be negative")
	}
	if c.VerifyCacheSize < 0 {
		return invalid("verify cache size must not be negative")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return invalid("%v", err)
	}
	if !log.ValidFormat(c.LogFormat) {
		return invalid("unknown log format %q", c.LogFormat)
	}
	return nil
}

// ParsePeers splits a comma-separated host:port list. Blank entries are
// skipped; a malformed entry is an error.
func ParsePeers(s string) ([]string, error) {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := checkPeerAddr(p); err != nil {
			return nil, invalid("peer %q: %v", p, err)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// PortAddr turns a bare port into a listen address on all interfaces.
func PortAddr(port string) (string, error) {
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return "", invalid("port %q out of range", port)
	}
	return ":" + strconv.Itoa(n), nil
}

func checkListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("port %q out of range", port)
	}
	return nil
}

func checkPeerAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("missing host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port %q out of range", port)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
