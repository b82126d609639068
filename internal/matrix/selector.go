package matrix

// Pass is one iteration over the selected configurations
type Pass string

const (
	// PassFull additionally compiles tests to snapshots and runs them on
	// the plain VM and with -Xunfold-program.
	PassFull  Pass = "full"
	PassQuick Pass = "quick"
)

// Passes lists the passes in execution order
var Passes = []Pass{PassFull, PassQuick}

// fullRunConfigurations are the only configurations cheap enough for a
// full pass.
var fullRunConfigurations = map[string]bool{
	"DebugIA32":          true,
	"DebugIA32ClangAsan": true,
}

// RunPlan pairs a configuration with the pass it runs in
type RunPlan struct {
	Configuration Configuration
	Pass          Pass
}

// StepName returns the test step suffix: the configuration name, with
// "-full" appended for the full pass.
func (p RunPlan) StepName() string {
	if p.Pass == PassFull {
		return p.Configuration.Name() + "-full"
	}
	return p.Configuration.Name()
}

// ShouldSkip reports whether cfg is left out of the given pass
func ShouldSkip(pass Pass, cfg Configuration) bool {
	// Asan on x64 takes too long on mac.
	if cfg.System == "mac" && cfg.Arch == "x64" && cfg.Sanitizer {
		return true
	}

	if pass == PassFull && !fullRunConfigurations[cfg.Name()] {
		return true
	}

	return false
}

// Plan returns every non-skipped configuration for the full pass followed
// by every non-skipped configuration for the quick pass.
func Plan(configurations []Configuration) []RunPlan {
	var plans []RunPlan
	for _, pass := range Passes {
		for _, cfg := range configurations {
			if ShouldSkip(pass, cfg) {
				continue
			}
			plans = append(plans, RunPlan{Configuration: cfg, Pass: pass})
		}
	}
	return plans
}
