// Package matrix expands a builder's modes, architectures and sanitizer
// settings into build configurations, and decides which of them each test
// pass runs.
package matrix

import (
	"path/filepath"
	"strings"
)

// Mode is the build mode of a configuration
type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

// Compiler variants. The empty variant is the platform's native compiler.
const (
	VariantDefault = ""
	VariantClang   = "Clang"
)

// Configuration is one entry of the build matrix
type Configuration struct {
	Mode      Mode
	Arch      string
	Variant   string
	Sanitizer bool
	System    string
}

// Name returns the build directory name, e.g. DebugIA32ClangAsan. It is
// also used as the build and test step label.
func (c Configuration) Name() string {
	return DirName(c.Mode, c.Arch, c.Variant, c.Sanitizer)
}

// Dir returns the configuration's build directory below outDir
func (c Configuration) Dir(outDir string) string {
	return filepath.Join(outDir, c.Name())
}

// Clang reports whether the configuration uses the alternate compiler
func (c Configuration) Clang() bool {
	return c.Variant != VariantDefault
}

// DirName builds the directory name for the given fields. Mode and arch
// never contain the suffix strings, so the name is unique per field tuple.
func DirName(mode Mode, arch, variant string, sanitizer bool) string {
	var b strings.Builder
	if mode == ModeRelease {
		b.WriteString("Release")
	} else {
		b.WriteString("Debug")
	}
	b.WriteString(strings.ToUpper(arch))
	b.WriteString(variant)
	if sanitizer {
		b.WriteString("Asan")
	}
	return b.String()
}

// CompilerVariants returns the compiler variants built on system. On mac
// gcc is an alias for clang, so only the clang variant is built there.
func CompilerVariants(system string) []string {
	if system == "mac" {
		return []string{VariantClang}
	}
	return []string{VariantDefault, VariantClang}
}

// Generate returns the cartesian product sanitizers × variants × modes ×
// archs in that nesting order.
func Generate(system string, modes []Mode, archs []string, sanitizers []bool) []Configuration {
	variants := CompilerVariants(system)
	configurations := make([]Configuration, 0, len(sanitizers)*len(variants)*len(modes)*len(archs))

	for _, sanitizer := range sanitizers {
		for _, variant := range variants {
			for _, mode := range modes {
				for _, arch := range archs {
					configurations = append(configurations, Configuration{
						Mode:      Mode(strings.ToLower(string(mode))),
						Arch:      strings.ToLower(arch),
						Variant:   variant,
						Sanitizer: sanitizer,
						System:    system,
					})
				}
			}
		}
	}

	return configurations
}
