package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/footsteps/footsteps/node"
)

// capture runs the command line with a runner that records the resolved
// configuration instead of starting a node.
func capture(t *testing.T, args ...string) (node.Config, int, string) {
	t.Helper()
	var (
		cfg node.Config
		out bytes.Buffer
	)
	start := func(_ context.Context, c node.Config, _, _ io.Writer) error {
		cfg = c
		return nil
	}
	args = append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...)
	code := runWith(args, &out, &out, start)
	return cfg, code, out.String()
}

func TestDefaults(t *testing.T) {
	cfg, code, _ := capture(t)
	require.Equal(t, 0, code)
	require.Equal(t, node.DefaultConfig(), cfg)
}

func TestPositionalArguments(t *testing.T) {
	cfg, code, out := capture(t, "alice", "8081", "9001", "10.0.0.2:9000,10.0.0.3:9000", "http://alice.example:8081")
	require.Equal(t, 0, code, out)
	require.Equal(t, "alice", cfg.Name)
	require.Equal(t, ":8081", cfg.UIAddr)
	require.Equal(t, ":9001", cfg.P2PAddr)
	require.Equal(t, []string{"10.0.0.2:9000", "10.0.0.3:9000"}, cfg.Peers)
	require.Equal(t, "http://alice.example:8081", cfg.AdvertisedURL)
}

func TestEmptyPeersArgument(t *testing.T) {
	cfg, code, _ := capture(t, "alice", "8081", "9001", "")
	require.Equal(t, 0, code)
	require.Empty(t, cfg.Peers)
}

func TestFlags(t *testing.T) {
	cfg, code, out := capture(t,
		"--name", "bob",
		"--ui-addr", "127.0.0.1:7000",
		"--peers", "a:1",
		"--discovery=false",
		"--prover", "/bin/prover",
		"--verbosity", "5",
		"--log-format", "json",
	)
	require.Equal(t, 0, code, out)
	require.Equal(t, "bob", cfg.Name)
	require.Equal(t, "127.0.0.1:7000", cfg.UIAddr)
	require.Equal(t, []string{"a:1"}, cfg.Peers)
	require.False(t, cfg.Discovery)
	require.Equal(t, "/bin/prover", cfg.ProverCommand)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
}

func TestPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "footsteps.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\nmax_peers: 4\nui_addr: \":7001\"\n"), 0o600))
	t.Setenv("FOOTSTEPS_MAX_PEERS", "6")
	t.Setenv("FOOTSTEPS_NAME", "from-env")

	cfg, code, out := capture(t, "--config", path, "--name", "from-flag", "from-arg")
	require.Equal(t, 0, code, out)
	require.Equal(t, "from-arg", cfg.Name)
	require.Equal(t, 6, cfg.MaxPeers)
	require.Equal(t, ":7001", cfg.UIAddr)
}

func TestInvalidConfigExitsOne(t *testing.T) {
	tests := [][]string{
		{"alice", "http"},
		{"alice", "8080", "9000", "nonsense"},
		{"--peers", "nohost"},
		{"--log-format", "xml"},
		{"a", "1", "2", "", "u", "extra"},
		{"--config", "/does/not/exist.yaml"},
	}
	for _, args := range tests {
		called := false
		start := func(context.Context, node.Config, io.Writer, io.Writer) error {
			called = true
			return nil
		}
		var out bytes.Buffer
		code := runWith(args, &out, &out, start)
		require.Equal(t, 1, code, args)
		require.False(t, called, args)
	}
}

func TestRunnerErrorExitsOne(t *testing.T) {
	var out bytes.Buffer
	start := func(context.Context, node.Config, io.Writer, io.Writer) error {
		return errors.New("bind failed")
	}
	require.Equal(t, 1, runWith(nil, &out, &out, start))
	require.Contains(t, out.String(), "bind failed")
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, 0, run([]string{"version"}, &out, &out))
	require.Contains(t, out.String(), "footsteps "+version)
}

func TestBanner(t *testing.T) {
	var out bytes.Buffer
	cfg := node.DefaultConfig()
	printBanner(&out, cfg)
	require.Contains(t, out.String(), "no seed peers, local discovery only")

	out.Reset()
	cfg.Peers = []string{"10.0.0.2:9000"}
	printBanner(&out, cfg)
	require.Contains(t, out.String(), "10.0.0.2:9000")
	require.NotContains(t, out.String(), "local discovery only")
}

func TestRunNodeStopsOnCancel(t *testing.T) {
	cfg := node.DefaultConfig()
	cfg.UIAddr = "127.0.0.1:0"
	cfg.P2PAddr = "127.0.0.1:0"
	cfg.Discovery = false

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var out bytes.Buffer
	go func() { done <- runNode(ctx, cfg, &out, io.Discard) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runNode did not return after cancel")
	}
}
