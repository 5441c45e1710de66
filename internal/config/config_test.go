package config

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/neurovisor/control-plane/internal/model"
	"github.com/neurovisor/control-plane/internal/pool"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.Pool.WarmTarget != defaultPoolWarmTarget {
		t.Errorf("Pool.WarmTarget = %d, want %d", cfg.Pool.WarmTarget, defaultPoolWarmTarget)
	}
	if cfg.Pool.Size != model.SizeSmall {
		t.Errorf("Pool.Size = %+v, want SizeSmall", cfg.Pool.Size)
	}
	if cfg.Pool.AcquireTimeout != pool.DefaultAcquireTimeout {
		t.Errorf("Pool.AcquireTimeout = %v, want %v", cfg.Pool.AcquireTimeout, pool.DefaultAcquireTimeout)
	}
	if cfg.Agent.GuestPort != int(cfg.VM.VsockPort) {
		t.Errorf("Agent.GuestPort = %d, want %d (cfg.VM.VsockPort)", cfg.Agent.GuestPort, cfg.VM.VsockPort)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9999")
	t.Setenv(envPoolWarmTarget, "5")
	t.Setenv(envPoolVMSize, "large")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envPoolAcquireTimeout, "20")
	t.Setenv("NEUROVISOR_VM_VSOCK_PORT", "2048")

	cfg := Load()
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.Pool.WarmTarget != 5 {
		t.Errorf("Pool.WarmTarget = %d, want 5", cfg.Pool.WarmTarget)
	}
	if cfg.Pool.Size != model.SizeLarge {
		t.Errorf("Pool.Size = %+v, want SizeLarge", cfg.Pool.Size)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.Pool.AcquireTimeout != 20*time.Second {
		t.Errorf("Pool.AcquireTimeout = %v, want 20s", cfg.Pool.AcquireTimeout)
	}
	if cfg.Agent.GuestPort != 2048 {
		t.Errorf("Agent.GuestPort = %d, want 2048 (from NEUROVISOR_VM_VSOCK_PORT)", cfg.Agent.GuestPort)
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	logger.Info("hello", "key", "value")

	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"hello"`)) {
		t.Errorf("log output = %s, want JSON containing msg=hello", buf.String())
	}
}
