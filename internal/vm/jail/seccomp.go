package jail

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BPF opcodes needed to express a syscall-number whitelist filter. Mirrors
// the constants the kernel's linux/filter.h and linux/seccomp.h define;
// golang.org/x/sys/unix only exposes the raw SockFilter/SockFprog struct
// layout, not a BPF assembler, so the program is built by hand here the way
// minimal seccomp installers in the C world do.
const (
	bpfLd      = 0x00
	bpfJmp     = 0x05
	bpfRet     = 0x06
	bpfW       = 0x00
	bpfAbs     = 0x20
	bpfJeq     = 0x10
	bpfK       = 0x00
	seccompRetAllow = 0x7fff0000
	seccompRetKill  = 0x80000000

	// offsetNR is the byte offset of the syscall number within
	// struct seccomp_data on little-endian amd64/arm64.
	offsetNR = 0
)

// allowedSyscalls is the whitelist a jailed hypervisor process is permitted
// to make. It covers what Firecracker itself needs (KVM ioctls, vsock/unix
// socket I/O, mmap/futex for its VCPU threads, signal handling) and nothing
// else — roughly the same ~50-syscall shape the jailer's seccomp level 2
// enforces (spec.md §4.5).
var allowedSyscalls = []uintptr{
	unix.SYS_READ, unix.SYS_WRITE, unix.SYS_CLOSE, unix.SYS_FSTAT, unix.SYS_LSEEK,
	unix.SYS_MMAP, unix.SYS_MPROTECT, unix.SYS_MUNMAP, unix.SYS_BRK,
	unix.SYS_RT_SIGACTION, unix.SYS_RT_SIGPROCMASK, unix.SYS_RT_SIGRETURN,
	unix.SYS_IOCTL, unix.SYS_PREAD64, unix.SYS_PWRITE64, unix.SYS_READV, unix.SYS_WRITEV,
	unix.SYS_ACCESS, unix.SYS_PIPE, unix.SYS_SELECT, unix.SYS_SCHED_YIELD,
	unix.SYS_MREMAP, unix.SYS_MSYNC, unix.SYS_MINCORE, unix.SYS_MADVISE,
	unix.SYS_DUP, unix.SYS_DUP2, unix.SYS_NANOSLEEP, unix.SYS_GETPID,
	unix.SYS_SOCKET, unix.SYS_CONNECT, unix.SYS_ACCEPT, unix.SYS_SENDTO, unix.SYS_RECVFROM,
	unix.SYS_SENDMSG, unix.SYS_RECVMSG, unix.SYS_SHUTDOWN, unix.SYS_BIND, unix.SYS_LISTEN,
	unix.SYS_CLONE, unix.SYS_FORK, unix.SYS_EXECVE, unix.SYS_EXIT, unix.SYS_EXIT_GROUP,
	unix.SYS_FCNTL, unix.SYS_FLOCK, unix.SYS_FSYNC, unix.SYS_FTRUNCATE,
	unix.SYS_GETDENTS64, unix.SYS_GETCWD, unix.SYS_OPENAT, unix.SYS_UNLINKAT,
	unix.SYS_FUTEX, unix.SYS_SET_TID_ADDRESS, unix.SYS_SET_ROBUST_LIST,
	unix.SYS_RSEQ, unix.SYS_PRLIMIT64, unix.SYS_SIGALTSTACK, unix.SYS_GETRANDOM,
	unix.SYS_TGKILL, unix.SYS_MADVISE, unix.SYS_EPOLL_CREATE1, unix.SYS_EPOLL_CTL, unix.SYS_EPOLL_WAIT,
	unix.SYS_TIMERFD_CREATE, unix.SYS_TIMERFD_SETTIME, unix.SYS_EVENTFD2,
}

// bpfInstr mirrors unix.SockFilter's layout (code, jt, jf, k).
type bpfInstr struct {
	code uint16
	jt   uint8
	jf   uint8
	k    uint32
}

func stmt(code uint16, k uint32) bpfInstr   { return bpfInstr{code: code, k: k} }
func jump(code uint16, k uint32, jt, jf uint8) bpfInstr {
	return bpfInstr{code: code, jt: jt, jf: jf, k: k}
}

// buildFilterProgram compiles allowedSyscalls into a linear BPF program:
// load the syscall number, compare against each allowed value in turn,
// jump to ALLOW on a match, fall through to KILL_PROCESS otherwise.
func buildFilterProgram() []unix.SockFilter {
	prog := make([]bpfInstr, 0, len(allowedSyscalls)+2)
	prog = append(prog, stmt(bpfLd|bpfW|bpfAbs, offsetNR))

	for i, sc := range allowedSyscalls {
		remaining := uint8(len(allowedSyscalls) - i)
		prog = append(prog, jump(bpfJmp|bpfJeq|bpfK, uint32(sc), remaining, 0))
	}
	prog = append(prog, stmt(bpfRet|bpfK, seccompRetKill))
	prog = append(prog, stmt(bpfRet|bpfK, seccompRetAllow))

	out := make([]unix.SockFilter, len(prog))
	for i, instr := range prog {
		out[i] = unix.SockFilter{Code: instr.code, Jt: instr.jt, Jf: instr.jf, K: instr.k}
	}
	return out
}

// InstallSeccompFilter loads the syscall whitelist into the calling
// process's seccomp filter stack (spec.md §4.5). Must be called after
// DropCapabilities and immediately before the hypervisor's first guest
// trap, since SECCOMP_SET_MODE_FILTER is irreversible for the process that
// calls it.
//
// Requires NO_NEW_PRIVS to be set first, matching the kernel's own
// prerequisite for an unprivileged caller to install a filter.
func InstallSeccompFilter() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("jail: set no_new_privs: %w", err)
	}

	filter := buildFilterProgram()
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}

	_, _, errno := unix.RawSyscall(unix.SYS_SECCOMP, unix.SECCOMP_SET_MODE_FILTER, 0, uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return fmt.Errorf("jail: install seccomp filter: %w", errno)
	}
	return nil
}
