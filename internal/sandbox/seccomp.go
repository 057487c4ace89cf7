package sandbox

import (
	seccomp "github.com/elastic/go-seccomp-bpf"
)

// Syscall sets behind the net modes. Per-port selectivity is not
// expressible in classic BPF (ports live in userspace sockaddr memory),
// so seccomp carries the coarse mode and the landlock TCP rules carry
// the port list.
var (
	// none: no new sockets at all.
	allNetworkSyscalls = []string{"socket", "connect", "bind", "listen", "accept", "accept4"}
	// tcp:PORTS: outbound only, no listeners.
	inboundSyscalls = []string{"bind", "listen", "accept", "accept4"}
	// bind:PORTS: listeners only, no outbound connects.
	outboundSyscalls = []string{"connect"}
)

// seccompPolicy returns the deny-list policy for a net mode. Default
// action stays allow so the helper's own post-fork syscalls (wait4,
// kill) keep working in the parent.
func seccompPolicy(net NetMode) seccomp.Policy {
	var denied []string
	switch net.Kind {
	case NetNone:
		denied = allNetworkSyscalls
	case NetTCP:
		denied = inboundSyscalls
	case NetBind:
		denied = outboundSyscalls
	}
	return seccomp.Policy{
		DefaultAction: seccomp.ActionAllow,
		Syscalls: []seccomp.SyscallGroup{
			{Action: seccomp.ActionErrno, Names: denied},
		},
	}
}

// applySeccomp installs the filter on the calling thread group with
// TSYNC so the fork+exec'd child inherits it. Loading also sets
// no_new_privs, which the exec requires anyway.
func applySeccomp(net NetMode) error {
	if !seccomp.Supported() {
		return nil
	}
	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     seccompPolicy(net),
	}
	return seccomp.LoadFilter(filter)
}
