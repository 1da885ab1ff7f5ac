package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// AgentProfile returns the syscall filter for agent executions: enough for a
// Python interpreter to start, compute, and write to stdio, with no network
// family at all and container-management syscalls trapped or blocked.
func AgentProfile() *specs.LinuxSeccomp {
	b := NewBuilder()

	// File and stream IO. The rootfs is read-only and /workspace is a
	// read-only bind mount; these only reach /tmp and stdio.
	b.AllowSyscalls(
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3",
		"fcntl", "flock",
		"pipe", "pipe2",
		"readlink", "readlinkat",
		"getdents64",
		"statfs", "fstatfs",
		"ftruncate", "fallocate",
		"fsync", "fdatasync",
		"unlink", "unlinkat",
		"mkdir", "mkdirat", "rmdir",
		"rename", "renameat", "renameat2",
		"chmod", "fchmod", "fchmodat",
		"umask",
		"chdir", "fchdir", "getcwd",
		"memfd_create", "copy_file_range",
	)

	// Memory management.
	b.AllowSyscalls(
		"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
	)

	// Process lifecycle. The interpreter itself is started with execve and
	// spawns threads with clone; the pids cgroup bounds how far that goes.
	b.AllowSyscalls(
		"execve", "execveat",
		"exit", "exit_group",
		"wait4", "waitid",
		"clone", "clone3", "vfork",
		"set_tid_address",
		"set_robust_list", "get_robust_list",
	)

	// Threads, signals and synchronization.
	b.AllowSyscalls(
		"futex",
		"gettid", "tgkill",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
		"sigaltstack",
	)

	// Clocks. Sleeping is allowed; the wall-clock watchdog is what bounds it.
	b.AllowSyscalls(
		"clock_gettime", "clock_getres", "gettimeofday",
		"nanosleep", "clock_nanosleep",
	)

	// Identity and environment introspection, scoped to the container's
	// own namespaces.
	b.AllowSyscalls(
		"getpid", "getppid",
		"getuid", "geteuid", "getgid", "getegid",
		"uname", "sysinfo",
		"getrlimit", "prlimit64",
	)

	// Event polling, used by the interpreter's own IO machinery.
	b.AllowSyscalls(
		"poll", "ppoll", "select", "pselect6",
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"eventfd2",
	)

	// Interpreter startup oddments.
	b.AllowSyscalls(
		"getrandom",
		"arch_prctl", "prctl",
		"ioctl",
	)

	// Introspection and injection attempts trap so they surface as SIGSYS.
	b.TrapSyscalls(
		"ptrace",
		"process_vm_readv", "process_vm_writev",
		"keyctl", "add_key", "request_key",
		"bpf",
		"perf_event_open",
		"userfaultfd",
		"kexec_load", "kexec_file_load",
		"init_module", "finit_module", "delete_module",
	)

	// Host and namespace manipulation is denied outright.
	b.BlockSyscalls(
		"mount", "umount2", "pivot_root",
		"reboot",
		"swapon", "swapoff",
		"sethostname", "setdomainname",
		"setns", "unshare",
		"acct",
		"settimeofday", "adjtimex", "clock_adjtime",
		"personality",
		"ioperm", "iopl",
	)

	return b.Build()
}
