package sandbox

import (
	"path/filepath"

	"github.com/landlock-lsm/go-landlock/landlock"
)

// baseReadOnlyDirs is added to every rule set so dynamically linked
// binaries can load their interpreter and shared objects.
var baseReadOnlyDirs = []string{
	"/lib",
	"/lib64",
	"/usr/lib",
	"/usr/lib64",
	"/usr/local/bin",
	"/usr/local/lib",
}

// landlockRules builds the combined filesystem and TCP rule set for a
// spec. commandPath must already be resolved (its directory joins the
// read-only base set).
func landlockRules(spec *Spec, commandPath string, net NetMode) []landlock.Rule {
	roDirs := append([]string{filepath.Dir(commandPath)}, baseReadOnlyDirs...)
	roDirs = append(roDirs, spec.AllowRO...)

	rules := []landlock.Rule{
		landlock.RODirs(roDirs...).IgnoreIfMissing(),
	}
	if len(spec.AllowRW) > 0 {
		rules = append(rules, landlock.RWDirs(spec.AllowRW...).IgnoreIfMissing())
	}
	if len(spec.AllowROFile) > 0 {
		rules = append(rules, landlock.ROFiles(spec.AllowROFile...).IgnoreIfMissing())
	}
	if len(spec.AllowRWFile) > 0 {
		rules = append(rules, landlock.RWFiles(spec.AllowRWFile...).IgnoreIfMissing())
	}

	switch net.Kind {
	case NetTCP:
		for _, port := range net.Ports {
			rules = append(rules, landlock.ConnectTCP(port))
		}
	case NetBind:
		for _, port := range net.Ports {
			rules = append(rules, landlock.BindTCP(port))
		}
	}
	return rules
}

// applyLandlock restricts the calling process (and everything it forks)
// to the rule set. Best-effort: on kernels without landlock, or without
// the TCP rule ABI, the call degrades instead of failing.
func applyLandlock(spec *Spec, commandPath string, net NetMode) error {
	return landlock.V4.BestEffort().Restrict(landlockRules(spec, commandPath, net)...)
}
