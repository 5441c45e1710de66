package jail

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// reexecEnvVar marks a process as the jail wrapper's reexec hop rather than
// the daemon's own invocation.
const reexecEnvVar = "NEUROVISOR_JAIL_REEXEC"

// WrapForExec rewrites cmd so that, instead of exec-ing the hypervisor
// binary directly, it exec-s a copy of the calling daemon binary with the
// original binary and its arguments appended. That reexec hop is what
// MaybeReexecJailed recognizes on the other side: it drops the capability
// bounding set and installs the seccomp filter before handing control to the
// real target via execve, so the hypervisor process itself inherits the
// restricted state (spec.md §4.5).
//
// This mirrors PipeOpsHQ-firecracker-shim's pkg/vm/jailer.go, which also
// runs Firecracker behind a dedicated jailer subprocess rather than trying
// to restrict the parent daemon's own process — os/exec gives no pre-exec
// callback hook, so a reexec hop is the only way to run jail.DropCapabilities
// and jail.InstallSeccompFilter in the child between fork and exec.
func WrapForExec(cmd *exec.Cmd) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("jail: resolve self executable: %w", err)
	}

	target := cmd.Path
	targetArgs := cmd.Args
	if len(targetArgs) == 0 {
		targetArgs = []string{target}
	}

	cmd.Path = self
	cmd.Args = append([]string{self}, targetArgs...)

	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env, reexecEnvVar+"=1")

	return nil
}

// MaybeReexecJailed checks whether the current process is a WrapForExec
// reexec hop and, if so, never returns: it drops capabilities, installs the
// seccomp filter, and execve's into the wrapped target, replacing its own
// image. Must be the first thing main() calls, before anything else touches
// process state the seccomp filter would then block.
func MaybeReexecJailed() error {
	if os.Getenv(reexecEnvVar) != "1" {
		return nil
	}
	if len(os.Args) < 2 {
		return fmt.Errorf("jail: reexec invoked with no wrapped target")
	}

	if err := DropCapabilities(); err != nil {
		return err
	}
	if err := InstallSeccompFilter(); err != nil {
		return err
	}

	target := os.Args[1]
	argv := os.Args[1:]
	return unix.Exec(target, argv, os.Environ())
}
