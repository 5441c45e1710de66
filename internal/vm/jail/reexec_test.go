package jail

import (
	"os"
	"os/exec"
	"testing"
)

func TestWrapForExecRewritesCommand(t *testing.T) {
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	cmd := exec.Command("/usr/bin/firecracker", "--api-sock", "/tmp/fc.sock")

	if err := WrapForExec(cmd); err != nil {
		t.Fatalf("WrapForExec: %v", err)
	}

	if cmd.Path != self {
		t.Errorf("cmd.Path = %q, want %q (self)", cmd.Path, self)
	}

	wantArgs := []string{self, "/usr/bin/firecracker", "--api-sock", "/tmp/fc.sock"}
	if len(cmd.Args) != len(wantArgs) {
		t.Fatalf("cmd.Args = %v, want %v", cmd.Args, wantArgs)
	}
	for i, a := range wantArgs {
		if cmd.Args[i] != a {
			t.Errorf("cmd.Args[%d] = %q, want %q", i, cmd.Args[i], a)
		}
	}

	found := false
	for _, e := range cmd.Env {
		if e == reexecEnvVar+"=1" {
			found = true
		}
	}
	if !found {
		t.Errorf("cmd.Env missing %s=1, got %v", reexecEnvVar, cmd.Env)
	}
}

func TestMaybeReexecJailedNoopWithoutMarker(t *testing.T) {
	os.Unsetenv(reexecEnvVar)
	if err := MaybeReexecJailed(); err != nil {
		t.Errorf("MaybeReexecJailed without marker = %v, want nil", err)
	}
}
