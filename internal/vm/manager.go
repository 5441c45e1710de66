package vm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/neurovisor/control-plane/internal/metrics"
	"github.com/neurovisor/control-plane/internal/model"
	"github.com/neurovisor/control-plane/internal/vm/jail"
)

const (
	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"
)

// Manager owns the Firecracker process lifecycle of each microVM it creates:
// spawn, configure, track, destroy (spec.md §4.1). The daemon builds one
// Manager and the pool creates every VM through it; Manager itself holds no
// notion of warm/active state.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool

	trackMu sync.Mutex
	tracked map[string]*runningVM
}

// NewManager constructs a Manager bound to cfg.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		cidNext:  cfg.CIDBase,
		cidInUse: make(map[uint32]bool),
		tracked:  make(map[string]*runningVM),
	}
}

type runningVM struct {
	machine *fcsdk.Machine
	handle  *model.VMHandle
	rg      *jail.ResourceGroup
	workDir string
}

// Create boots a new microVM of the given size and returns its handle once
// the guest tunnel socket is ready to dial (spec.md §4.1, §3 VMHandle).
//
// If cfg.SnapshotDir is set, Create loads a Firecracker snapshot instead of
// running the kernel's normal boot sequence — a pure startup-latency
// optimization (spec.md §9 Open Question): the resulting VMHandle is
// indistinguishable from one produced by a cold boot.
func (m *Manager) Create(ctx context.Context, size model.VMSize) (*model.VMHandle, error) {
	start := time.Now()

	cid, err := m.allocateCID()
	if err != nil {
		return nil, fmt.Errorf("vm: allocate CID: %w", err)
	}

	handle := model.NewVMHandle(cid, size, "", "")
	vmID := handle.ID

	workDir, err := os.MkdirTemp(m.cfg.SocketDir, "neurovisor-vm-"+vmID+"-")
	if err != nil {
		m.releaseCID(cid)
		return nil, fmt.Errorf("vm: create work dir: %w", err)
	}

	vmRootfs := filepath.Join(workDir, "rootfs.ext4")
	if err := copyRootfs(m.cfg.RootfsPath, vmRootfs); err != nil {
		m.releaseCID(cid)
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("vm: copy rootfs: %w", err)
	}

	apiSocket := filepath.Join(workDir, "firecracker.sock")
	guestSocket := filepath.Join(workDir, "vsock.sock")
	handle.APISocketPath = apiSocket
	handle.GuestSocketPath = guestSocket

	fcCfg := fcsdk.Config{
		SocketPath:      apiSocket,
		KernelImagePath: m.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: guestSocket,
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(size.VCPUs),
			MemSizeMib: fcsdk.Int64(size.MemMiB),
			Smt:        fcsdk.Bool(false),
		},
		VMID: vmID,
	}

	if m.cfg.SnapshotDir != "" {
		fcCfg.Snapshot = fcsdk.SnapshotConfig{
			MemFilePath:         filepath.Join(m.cfg.SnapshotDir, "memfile"),
			SnapshotPath:        filepath.Join(m.cfg.SnapshotDir, "snapshot"),
			ResumeVM:            true,
			EnableDiffSnapshots: false,
		}
	}

	// firecracker-go-sdk requires a logrus logger; discard it, slog is what
	// this daemon actually logs through (teacher's backend.go pattern).
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(m.cfg.FirecrackerBin).
		WithSocketPath(apiSocket).
		Build(ctx)

	// Reexec the hypervisor behind the jail wrapper so it boots with its
	// capability bounding set dropped and the seccomp filter installed
	// (spec.md §4.5) rather than inheriting the daemon's own process state.
	if err := jail.WrapForExec(fcCmd); err != nil {
		m.releaseCID(cid)
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("vm: jail hypervisor command: %w", err)
	}

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		m.releaseCID(cid)
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("vm: create machine: %w", err)
	}

	bootCtx, cancel := context.WithTimeout(ctx, m.cfg.BootTimeout)
	defer cancel()

	if err := machine.Start(bootCtx); err != nil {
		m.releaseCID(cid)
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("vm: start: %w", err)
	}

	for {
		if _, statErr := os.Stat(guestSocket); statErr == nil {
			break
		}
		select {
		case <-bootCtx.Done():
			_ = machine.StopVMM()
			m.releaseCID(cid)
			os.RemoveAll(workDir)
			return nil, fmt.Errorf("vm: guest tunnel socket not ready: %w", bootCtx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}

	rg, err := jail.NewResourceGroup(vmID, size.MemMiB, size.VCPUs)
	if err != nil {
		m.logger.Warn("resource group setup failed, continuing without cgroup limits", "vm_id", vmID, "error", err)
	} else if pid, pidErr := machine.PID(); pidErr == nil && pid > 0 {
		if err := rg.AddProcess(pid); err != nil {
			m.logger.Warn("cgroup process migration failed", "vm_id", vmID, "error", err)
		}
		handle.SetCgroupPath(rg.Path)
	}

	m.track(vmID, &runningVM{machine: machine, handle: handle, rg: rg, workDir: workDir})

	metrics.VMBootSeconds.Observe(time.Since(start).Seconds())
	m.logger.Info("vm created", "vm_id", vmID, "cid", cid, "vcpus", size.VCPUs, "mem_mib", size.MemMiB)

	return handle, nil
}

// Destroy stops the microVM backing handle and releases every resource
// associated with it: the hypervisor process, its cgroup, its CID, and its
// work directory. Destroy is idempotent (spec.md §3 VMHandle invariant:
// Destroyed is terminal).
func (m *Manager) Destroy(ctx context.Context, handle *model.VMHandle) error {
	if !handle.MarkDestroyed() {
		return nil
	}

	rv := m.untrack(handle.ID)
	if rv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), GracefulShutdownTimeout)
	defer cancel()

	if err := rv.machine.Shutdown(shutdownCtx); err != nil {
		m.logger.Debug("graceful shutdown failed, forcing stop", "vm_id", handle.ID, "error", err)
		if stopErr := rv.machine.StopVMM(); stopErr != nil {
			m.logger.Debug("force stop failed", "vm_id", handle.ID, "error", stopErr)
		}
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), GracefulShutdownTimeout)
	defer waitCancel()
	if err := rv.machine.Wait(waitCtx); err != nil {
		m.logger.Debug("wait for exit failed", "vm_id", handle.ID, "error", err)
	}

	m.releaseCID(handle.CID)

	if rv.rg != nil {
		if err := rv.rg.Remove(); err != nil {
			m.logger.Debug("cgroup cleanup failed", "vm_id", handle.ID, "error", err)
		}
	}

	if rv.workDir != "" {
		os.RemoveAll(rv.workDir)
	}

	m.logger.Info("vm destroyed", "vm_id", handle.ID)
	return nil
}

func (m *Manager) track(vmID string, rv *runningVM) {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	m.tracked[vmID] = rv
}

func (m *Manager) untrack(vmID string) *runningVM {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	rv := m.tracked[vmID]
	delete(m.tracked, vmID)
	return rv
}

// allocateCID returns the next available vsock CID, scanning forward past
// CIDs already in use (teacher's allocateCID in backend.go).
func (m *Manager) allocateCID() (uint32, error) {
	m.cidMu.Lock()
	defer m.cidMu.Unlock()

	const scanWindow = 1024
	for i := uint32(0); i < scanWindow; i++ {
		candidate := m.cidNext + i
		if candidate < MinCID {
			candidate = MinCID
		}
		if !m.cidInUse[candidate] {
			m.cidInUse[candidate] = true
			m.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (scanned %d slots)", scanWindow)
}

func (m *Manager) releaseCID(cid uint32) {
	m.cidMu.Lock()
	defer m.cidMu.Unlock()
	delete(m.cidInUse, cid)
}

// copyRootfs makes a private copy of the base rootfs image for one VM, using
// reflink copy-on-write when the host filesystem supports it (teacher's
// copyRootfs in backend.go).
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
