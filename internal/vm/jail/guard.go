// Package jail implements the resource guard described in spec.md §4.5:
// capability bounding-set reduction, a cgroup v2 resource group per VM, and
// process migration into it. Grounded on PipeOpsHQ-firecracker-shim's
// pkg/vm/jailer.go (cgroup v2 setup, chroot/device scaffolding) and the
// X-code-interpreter-sandbox-backend vmm.go (AmbientCaps + cgroup.procs
// migration pattern), generalized from a jailer-subprocess model to
// direct cgroupfs manipulation of an already-started hypervisor process.
package jail

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// CgroupRoot is the default mount point for the unified cgroup v2 hierarchy.
const CgroupRoot = "/sys/fs/cgroup"

// CgroupParent groups every VM's resource group under one parent so an
// operator can inspect aggregate usage with a single cgroupfs read.
const CgroupParent = "neurovisor"

// keepCaps lists the only capability retained in the hypervisor subprocess's
// bounding set (spec.md §4.5): CAP_DAC_OVERRIDE, needed to open the KVM and
// vsock device nodes and the rootfs image regardless of their file mode.
var keepCaps = map[uintptr]bool{
	unix.CAP_DAC_OVERRIDE: true,
}

// DropCapabilities drops every capability from the calling process's
// bounding set except keepCaps. It must run in the hypervisor's process
// before it execs Firecracker — Go's exec package does not expose a
// pre-exec callback, so it is invoked by MaybeReexecJailed on the reexec
// hop that WrapForExec sets up for the hypervisor command,
// matching the AmbientCaps-restriction approach in the X-code-interpreter
// vmm.go rather than running it in-process for the daemon itself.
func DropCapabilities() error {
	last, err := highestCapability()
	if err != nil {
		return fmt.Errorf("jail: determine highest capability: %w", err)
	}

	for cap := uintptr(0); cap <= last; cap++ {
		if keepCaps[cap] {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, cap, 0, 0, 0); err != nil {
			if err == unix.EINVAL {
				continue // kernel doesn't know this capability number, skip it
			}
			return fmt.Errorf("jail: drop capability %d: %w", cap, err)
		}
	}
	return nil
}

// highestCapability reads the running kernel's last known capability number
// from /proc/sys/kernel/cap_last_cap so the bounding-set loop above doesn't
// hardcode a value that drifts across kernel versions.
func highestCapability() (uintptr, error) {
	data, err := os.ReadFile("/proc/sys/kernel/cap_last_cap")
	if err != nil {
		return 40, nil // conservative fallback covering all caps through Linux 5.x
	}
	n, err := strconv.Atoi(trimNewline(data))
	if err != nil {
		return 40, nil
	}
	return uintptr(n), nil
}

func trimNewline(b []byte) string {
	return strings.TrimRight(string(b), "\n\r")
}

// ResourceGroup is the cgroup v2 group backing one VM's memory and CPU
// limits (spec.md §4.5, §3 VMSize).
type ResourceGroup struct {
	Path string
}

// NewResourceGroup creates the cgroup v2 directory for vmID under
// CgroupRoot/CgroupParent and writes memory.max/cpu.max from size.
func NewResourceGroup(vmID string, memMB int64, vcpus int64) (*ResourceGroup, error) {
	path := filepath.Join(CgroupRoot, CgroupParent, vmID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("jail: create cgroup %s: %w", path, err)
	}

	rg := &ResourceGroup{Path: path}

	memBytes := memMB * 1024 * 1024
	if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(strconv.FormatInt(memBytes, 10)), 0644); err != nil {
		rg.Remove()
		return nil, fmt.Errorf("jail: write memory.max: %w", err)
	}

	// cpu.max is "$MAX $PERIOD" in microseconds; one vCPU worth of quota per
	// 100ms period, matching the jailer's cpu.weight/cpu.max convention.
	periodUS := int64(100000)
	quotaUS := vcpus * periodUS
	cpuMax := fmt.Sprintf("%d %d", quotaUS, periodUS)
	if err := os.WriteFile(filepath.Join(path, "cpu.max"), []byte(cpuMax), 0644); err != nil {
		rg.Remove()
		return nil, fmt.Errorf("jail: write cpu.max: %w", err)
	}

	return rg, nil
}

// AddProcess migrates pid into the resource group by writing cgroup.procs,
// the same mechanism as the X-code-interpreter-sandbox-backend's
// addProcToCgroup — used instead of CLONE_INTO_CGROUP because the
// hypervisor subprocess is already started by the time its PID is known.
func (rg *ResourceGroup) AddProcess(pid int) error {
	f, err := os.OpenFile(filepath.Join(rg.Path, "cgroup.procs"), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("jail: open cgroup.procs: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("jail: write pid %d to cgroup.procs: %w", pid, err)
	}
	return nil
}

// MemoryCurrent reads memory.current for metrics reporting (spec.md §4.5).
func (rg *ResourceGroup) MemoryCurrent() (int64, error) {
	data, err := os.ReadFile(filepath.Join(rg.Path, "memory.current"))
	if err != nil {
		return 0, fmt.Errorf("jail: read memory.current: %w", err)
	}
	n, err := strconv.ParseInt(trimNewline(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("jail: parse memory.current: %w", err)
	}
	return n, nil
}

// ThrottledPeriods parses "nr_throttled" out of cpu.stat for metrics.
func (rg *ResourceGroup) ThrottledPeriods() (int64, error) {
	data, err := os.ReadFile(filepath.Join(rg.Path, "cpu.stat"))
	if err != nil {
		return 0, fmt.Errorf("jail: read cpu.stat: %w", err)
	}
	return parseCPUStatField(string(data), "nr_throttled")
}

func parseCPUStatField(stat, field string) (int64, error) {
	for _, line := range strings.Split(stat, "\n") {
		parts := strings.Fields(line)
		if len(parts) == 2 && parts[0] == field {
			return strconv.ParseInt(parts[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("jail: field %q not found in cpu.stat", field)
}

// Remove tears down the cgroup directory. Safe to call on a ResourceGroup
// whose process has already exited; cgroupfs refuses rmdir while processes
// remain, so callers must ensure the hypervisor has exited first.
func (rg *ResourceGroup) Remove() error {
	if err := os.Remove(rg.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("jail: remove cgroup %s: %w", rg.Path, err)
	}
	return nil
}
