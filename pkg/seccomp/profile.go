// Package seccomp builds the syscall filter applied to sandboxed agent code.
// The filter is deny-by-default: anything not explicitly allowed fails with
// EPERM, and a small set of introspection syscalls traps instead so attempts
// show up in audit logs.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ProfileBuilder assembles a LinuxSeccomp profile rule by rule.
type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

// NewBuilder starts a deny-by-default profile for x86-64 and arm64.
func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

// AllowSyscalls permits the named syscalls.
func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActAllow,
	})
	return b
}

// BlockSyscalls denies the named syscalls with EPERM. Redundant with the
// default action but keeps the intent visible in the profile itself.
func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActErrno,
	})
	return b
}

// TrapSyscalls makes the named syscalls deliver SIGSYS, killing the thread
// and leaving a visible trace.
func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActTrap,
	})
	return b
}

// WithArchitectures overrides the architecture list.
func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

// Build returns the assembled profile.
func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}
