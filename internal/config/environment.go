package config

import (
	"path/filepath"
	"strings"
)

// macClangLibrary is the bundled clang runtime directory on mac hosts
const macClangLibrary = "third_party/clang/mac/lib/clang/3.6.0/lib/darwin"

// Environment is the process environment handed to every spawned build,
// test, and worker command. It is built once at startup; nothing in the
// bot mutates the bot's own environment.
type Environment struct {
	Root   string
	HostOS string // GOOS of the machine running the bot
	Base   []string
}

// NewEnvironment snapshots base (usually os.Environ()) for a checkout at
// root on hostOS
func NewEnvironment(root, hostOS string, base []string) Environment {
	snapshot := make([]string, len(base))
	copy(snapshot, base)
	return Environment{Root: root, HostOS: hostOS, Base: snapshot}
}

// Get returns the value of key in the base environment
func (e Environment) Get(key string) string {
	prefix := key + "="
	value := ""
	for _, kv := range e.Base {
		if strings.HasPrefix(kv, prefix) {
			value = kv[len(prefix):]
		}
	}
	return value
}

// Environ returns the base environment with the bundled clang prepended to
// PATH, and its runtime library on DYLD_LIBRARY_PATH on mac.
func (e Environment) Environ() []string {
	overrides := make(map[string]string)

	if e.HostOS != "windows" {
		bin := filepath.Join(e.Root, "third_party", "clang", clangSystem(e.HostOS), "bin")
		if path := e.Get("PATH"); path != "" {
			overrides["PATH"] = bin + string(filepath.ListSeparator) + path
		} else {
			overrides["PATH"] = bin
		}
	}
	if e.HostOS == "darwin" {
		overrides["DYLD_LIBRARY_PATH"] = filepath.Join(e.Root, macClangLibrary)
	}

	env := make([]string, 0, len(e.Base)+len(overrides))
	for _, kv := range e.Base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range []string{"PATH", "DYLD_LIBRARY_PATH"} {
		if value, ok := overrides[key]; ok {
			env = append(env, key+"="+value)
		}
	}
	return env
}

// clangSystem maps GOOS onto the third_party/clang directory names
func clangSystem(goos string) string {
	switch goos {
	case "darwin":
		return "macos"
	case "windows":
		return "win32"
	default:
		return goos
	}
}
