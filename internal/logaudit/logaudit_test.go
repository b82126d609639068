package logaudit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScanCounts(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		for _, m := range []int{0, 2, 5} {
			t.Run(fmt.Sprintf("%d matching %d other", n, m), func(t *testing.T) {
				var lines []string
				for i := 0; i < m; i++ {
					lines = append(lines, fmt.Sprintf("daemon: request %d handled", i))
				}
				for i := 0; i < n; i++ {
					lines = append(lines, fmt.Sprintf("%d: Crash (NoSuchMethodError)", 1000+i))
				}

				result, err := Scan(strings.NewReader(strings.Join(lines, "\n")))
				if err != nil {
					t.Fatalf("Scan() error = %v", err)
				}
				if len(result.Crashes) != n {
					t.Errorf("Crashes = %d, want %d", len(result.Crashes), n)
				}
				if result.HasWarnings() != (n > 0) {
					t.Errorf("HasWarnings() = %v, want %v", result.HasWarnings(), n > 0)
				}
			})
		}
	}
}

func TestScanPattern(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"1234: Crash (foo)", true},
		{"1: Crash (", true},
		{" 1234: Crash (foo)", false},
		{"abc: Crash (foo)", false},
		{"1234: Crash foo", false},
		{"1234: crash (foo)", false},
		{"log 1234: Crash (foo)", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			result, err := Scan(strings.NewReader(tt.line + "\n"))
			if err != nil {
				t.Fatal(err)
			}
			if result.HasWarnings() != tt.want {
				t.Errorf("Scan(%q) matched = %v, want %v", tt.line, result.HasWarnings(), tt.want)
			}
		})
	}
}

func TestScanStripsTrailingWhitespace(t *testing.T) {
	result, err := Scan(strings.NewReader("42: Crash (x)  \r\nnext\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Crashes) != 1 || result.Crashes[0] != "42: Crash (x)" {
		t.Errorf("Crashes = %q", result.Crashes)
	}
}

func TestScanFileMissing(t *testing.T) {
	result, err := ScanFile(filepath.Join(t.TempDir(), ".debug.log"))
	if err != nil {
		t.Fatalf("ScanFile() error = %v", err)
	}
	if result.HasWarnings() {
		t.Error("missing log reported warnings")
	}
}

func TestScanFileDoesNotModifyLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".debug.log")
	content := "7: Crash (a)\nok\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := ScanFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Crashes) != 1 {
		t.Errorf("Crashes = %v", result.Crashes)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != content {
		t.Errorf("log modified: %q", after)
	}
}
