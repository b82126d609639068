package identity

import (
	"errors"
	"testing"

	"github.com/lei/fletch-ci/internal/matrix"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		builder    string
		shape      Shape
		system     string
		modes      int
		archs      int
		sanitizers int
	}{
		{"full linux", "fletch-linux", ShapeNormal, "linux", 2, 2, 2},
		{"full mac", "fletch-mac", ShapeNormal, "mac", 2, 2, 2},
		{"split debug", "fletch-linux-debug-x86", ShapeNormal, "linux", 1, 2, 1},
		{"split release", "fletch-windows-release-x86", ShapeNormal, "windows", 1, 2, 1},
		{"split asan", "fletch-mac-asan-x86", ShapeNormal, "mac", 2, 2, 1},
		{"cross", "cross-fletch-linux-arm", ShapeCross, "linux", 2, 1, 1},
		{"target", "target-fletch-linux-release-arm", ShapeTarget, "linux", 1, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Parse(tt.builder)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.builder, err)
			}
			if id.Shape != tt.shape {
				t.Errorf("Shape = %q, want %q", id.Shape, tt.shape)
			}
			if id.System != tt.system {
				t.Errorf("System = %q, want %q", id.System, tt.system)
			}
			if len(id.Modes) != tt.modes || len(id.Archs) != tt.archs || len(id.Sanitizers) != tt.sanitizers {
				t.Errorf("Parse(%q) = %d modes, %d archs, %d sanitizers; want %d, %d, %d",
					tt.builder, len(id.Modes), len(id.Archs), len(id.Sanitizers), tt.modes, tt.archs, tt.sanitizers)
			}
		})
	}
}

func TestParseSplitAsan(t *testing.T) {
	id, err := Parse("fletch-linux-asan-x86")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(id.Sanitizers) != 1 || !id.Sanitizers[0] {
		t.Errorf("Sanitizers = %v, want [true]", id.Sanitizers)
	}
	if len(id.Modes) != 2 {
		t.Errorf("Modes = %v, want debug and release", id.Modes)
	}
}

func TestParseTargetModeFromOwnMatch(t *testing.T) {
	id, err := Parse("target-fletch-linux-debug-arm")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if id.Shape != ShapeTarget {
		t.Fatalf("Shape = %q, want %q", id.Shape, ShapeTarget)
	}
	if len(id.Modes) != 1 || id.Modes[0] != matrix.ModeDebug {
		t.Errorf("Modes = %v, want [debug]", id.Modes)
	}
	if id.Archs[0] != CrossArch {
		t.Errorf("Archs = %v, want [%s]", id.Archs, CrossArch)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, name := range []string{
		"",
		"fletch-freebsd",
		"fletch-linux-debug",
		"fletch-linux-debug-arm",
		"cross-fletch-mac-arm",
		"target-fletch-linux-asan-arm",
		"fletch-linux-debug-x86-extra",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(name)
			if !errors.Is(err, ErrInvalidBuilder) {
				t.Errorf("Parse(%q) error = %v, want ErrInvalidBuilder", name, err)
			}
		})
	}
}

func TestConfigurationsLinuxDebugSplit(t *testing.T) {
	id, err := Parse("fletch-linux-debug-x86")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	got := id.Configurations()
	want := []string{"DebugIA32", "DebugX64", "DebugIA32Clang", "DebugX64Clang"}
	if len(got) != len(want) {
		t.Fatalf("Configurations() = %d, want %d", len(got), len(want))
	}
	for i, cfg := range got {
		if cfg.Name() != want[i] {
			t.Errorf("Configurations()[%d] = %q, want %q", i, cfg.Name(), want[i])
		}
		if cfg.Sanitizer {
			t.Errorf("%s has sanitizer enabled", cfg.Name())
		}
		if matrix.ShouldSkip(matrix.PassQuick, cfg) {
			t.Errorf("quick pass skips %s", cfg.Name())
		}
	}

	if matrix.ShouldSkip(matrix.PassFull, got[0]) {
		t.Errorf("full pass skips DebugIA32")
	}
	if !matrix.ShouldSkip(matrix.PassFull, got[1]) {
		t.Errorf("full pass runs DebugX64")
	}
}
