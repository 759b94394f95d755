package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPeerConfigDefaults(t *testing.T) {
	t.Setenv("YACALL_PEER", "alice")

	cfg, err := New[PeerConfig]()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.Peer != "alice" || cfg.Transport != "ws" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Call.RingTimeout != 30*time.Second || cfg.Call.MaxCalls != 4 {
		t.Fatalf("call=%+v", cfg.Call)
	}
	if len(cfg.Call.Media) != 1 || cfg.Call.Media[0] != "audio" {
		t.Fatalf("media=%v", cfg.Call.Media)
	}
	if cfg.Redis.Enabled() {
		t.Fatalf("redis enabled without an address")
	}
}

func TestPeerConfigRequiresPeer(t *testing.T) {
	t.Setenv("YACALL_PEER", "")
	os.Unsetenv("YACALL_PEER")
	if _, err := New[PeerConfig](); err == nil {
		t.Fatalf("New succeeded without YACALL_PEER")
	}
}

func TestServerConfigPrefixes(t *testing.T) {
	t.Setenv("YACALL_REDIS_ADDR", "localhost:6379")
	t.Setenv("YACALL_LOG_LEVEL", "debug")
	t.Setenv("YACALL_PRESENCE_TTL", "1m")

	cfg, err := New[ServerConfig]()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !cfg.Redis.Enabled() || cfg.Redis.Prefix != "yacall:v1" {
		t.Fatalf("redis=%+v", cfg.Redis)
	}
	if cfg.Log.Level != "debug" || cfg.PresenceTTL != time.Minute {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.env")
	if err := os.WriteFile(path, []byte("YACALL_TEST_LOADED=yes\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("YACALL_TEST_LOADED", "")
	os.Unsetenv("YACALL_TEST_LOADED")

	if err := LoadEnv(); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("YACALL_TEST_LOADED"); got != "yes" {
		t.Fatalf("YACALL_TEST_LOADED=%q", got)
	}

	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	if err := LoadEnv(); err != nil {
		t.Fatalf("LoadEnv with missing file: %v", err)
	}
}

func TestSetupLoggerFallsBack(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)
	if got := SetupLogger(LogConfig{Level: "loud"}); got != zerolog.InfoLevel {
		t.Fatalf("level=%s", got)
	}
	if got := SetupLogger(LogConfig{Level: "warn"}); got != zerolog.WarnLevel {
		t.Fatalf("level=%s", got)
	}
}
