// Package logaudit scans the accumulated daemon log for crashes that have no
// other reporting path.
package logaudit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

// LogName is the annotation log that receives matched lines
const LogName = "undiagnosed_crashes"

// crashPattern matches "1234: Crash (..." printed by the driver when an
// exception is thrown after a client has disconnected.
var crashPattern = regexp.MustCompile(`^[0-9]+: Crash \(`)

// Result holds the matched crash lines in log order
type Result struct {
	Crashes []string
}

// HasWarnings reports whether any crash was found
func (r Result) HasWarnings() bool {
	return len(r.Crashes) > 0
}

// Scan reads r line by line and collects crash lines, trailing whitespace
// removed
func Scan(r io.Reader) (Result, error) {
	var result Result

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" && crashPattern.MatchString(line) {
			result.Crashes = append(result.Crashes, strings.TrimRightFunc(line, isSpace))
		}
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("read log: %w", err)
		}
	}
}

// ScanFile scans the log at path. A missing log has no crashes.
func ScanFile(path string) (Result, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("open debug log: %w", err)
	}
	defer f.Close()

	return Scan(f)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
