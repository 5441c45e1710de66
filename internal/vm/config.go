// Package vm implements the VM Manager (spec.md §4.1): spawning, configuring,
// and tearing down one Firecracker microVM at a time. Grounded on the
// teacher's internal/backend/firecracker package (backend.go, config.go,
// constants.go), generalized from a per-workload CNI-networked VM to a
// network-less sandbox VM whose only external surface is the vsock tunnel
// (spec.md Non-goals: no guest networking).
package vm

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for VM Manager configuration, named after the
// teacher's envFoo pattern in internal/backend/firecracker/config.go.
const (
	envKernelPath     = "NEUROVISOR_VM_KERNEL_PATH"
	envRootfsPath     = "NEUROVISOR_VM_ROOTFS_PATH"
	envSnapshotDir    = "NEUROVISOR_VM_SNAPSHOT_DIR"
	envFirecrackerBin = "NEUROVISOR_VM_FIRECRACKER_BIN"
	envSocketDir      = "NEUROVISOR_VM_SOCKET_DIR"
	envVsockPort      = "NEUROVISOR_VM_VSOCK_PORT"
	envCIDBase        = "NEUROVISOR_VM_CID_BASE"
	envBootTimeout    = "NEUROVISOR_VM_BOOT_TIMEOUT_SECONDS"
)

// Defaults, mirroring the teacher's constants.go.
const (
	DefaultVsockPort        uint32 = 1024
	MinCID                  uint32 = 3
	DefaultBootTimeout             = 5 * time.Second
	GracefulShutdownTimeout        = 3 * time.Second
)

// DefaultBootArgs are the kernel boot arguments for every microVM; init
// launches the opaque guest execution server (spec.md §1) which in turn
// listens on the vsock port below.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// Config holds VM Manager configuration (spec.md §4.1).
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsPath is the path to the base guest rootfs image. Every VM boots
	// from a private copy of this image (spec.md §4.1, no shared mutable state).
	RootfsPath string

	// SnapshotDir, when non-empty, holds a pre-booted VM snapshot
	// (memory file + vm state) used to skip cold boot (spec.md §9 Open
	// Question: snapshot restore as a VM Manager boot-path optimization,
	// not a lifecycle state of its own).
	SnapshotDir string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// SocketDir is the directory under which per-VM socket files and
	// rootfs copies are created.
	SocketDir string

	// VsockPort is the guest execution server's vsock listening port.
	// Manager never dials it directly (the host only ever opens the
	// per-VM Unix socket tunnel, see internal/channel); it exists here
	// because the guest execution server's listening port and the guest
	// dial target must agree on it, and internal/config.Load wires it into agent.Config.GuestPort
	// so the two halves of the tunnel are configured from one knob.
	VsockPort uint32

	// CIDBase is the starting context ID for vsock CID allocation.
	CIDBase uint32

	// BootTimeout bounds Firecracker's Start call together with VM
	// Manager's wait, after Start returns, for the guest tunnel socket to
	// appear.
	BootTimeout time.Duration
}

// LoadConfig reads VM Manager configuration from environment variables,
// applying the same defaults the teacher ships.
func LoadConfig() Config {
	cfg := Config{
		VsockPort:   DefaultVsockPort,
		CIDBase:     MinCID,
		BootTimeout: DefaultBootTimeout,
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsPath); v != "" {
		cfg.RootfsPath = v
	}
	if v := os.Getenv(envSnapshotDir); v != "" {
		cfg.SnapshotDir = v
	}
	if v := os.Getenv(envFirecrackerBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envSocketDir); v != "" {
		cfg.SocketDir = v
	} else {
		cfg.SocketDir = os.TempDir()
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	if v := os.Getenv(envCIDBase); v != "" {
		if base, err := strconv.ParseUint(v, 10, 32); err == nil && base >= 3 {
			cfg.CIDBase = uint32(base)
		}
	}
	if v := os.Getenv(envBootTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.BootTimeout = time.Duration(secs) * time.Second
		}
	}

	return cfg
}
