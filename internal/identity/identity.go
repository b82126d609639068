// Package identity parses buildbot builder names into pipeline shapes and
// matrix inputs.
package identity

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/lei/fletch-ci/internal/matrix"
)

// ErrInvalidBuilder indicates a builder name matching none of the known
// grammars
var ErrInvalidBuilder = errors.New("invalid builder name")

// Shape selects which pipeline runs for a builder
type Shape string

const (
	// ShapeNormal builds and tests on the same host.
	ShapeNormal Shape = "normal"
	// ShapeCross cross-compiles and uploads an archive.
	ShapeCross Shape = "cross"
	// ShapeTarget downloads the archive and runs tests.
	ShapeTarget Shape = "target"
)

// CrossArch is the architecture built by cross builders and tested by
// target runners.
const CrossArch = "xarm"

var (
	normalPattern = regexp.MustCompile(`^fletch-(linux|mac|windows)(-(debug|release|asan)-(x86))?$`)
	crossPattern  = regexp.MustCompile(`^cross-fletch-(linux)-(arm)$`)
	targetPattern = regexp.MustCompile(`^target-fletch-(linux)-(debug|release)-(arm)$`)
)

// archGroups expands the architecture family of a split builder name
var archGroups = map[string][]string{
	"x86": {"ia32", "x64"},
}

// Identity is a parsed builder name
type Identity struct {
	Name       string
	Shape      Shape
	System     string
	Modes      []matrix.Mode
	Archs      []string
	Sanitizers []bool
}

// Parse parses a builder name
func Parse(name string) (Identity, error) {
	if m := normalPattern.FindStringSubmatch(name); m != nil {
		return parseNormal(name, m), nil
	}

	if m := crossPattern.FindStringSubmatch(name); m != nil {
		return Identity{
			Name:       name,
			Shape:      ShapeCross,
			System:     m[1],
			Modes:      []matrix.Mode{matrix.ModeDebug, matrix.ModeRelease},
			Archs:      []string{CrossArch},
			Sanitizers: []bool{false},
		}, nil
	}

	if m := targetPattern.FindStringSubmatch(name); m != nil {
		return Identity{
			Name:       name,
			Shape:      ShapeTarget,
			System:     m[1],
			Modes:      []matrix.Mode{matrix.Mode(m[2])},
			Archs:      []string{CrossArch},
			Sanitizers: []bool{false},
		}, nil
	}

	return Identity{}, fmt.Errorf("%w: %q", ErrInvalidBuilder, name)
}

func parseNormal(name string, m []string) Identity {
	id := Identity{
		Name:       name,
		Shape:      ShapeNormal,
		System:     m[1],
		Modes:      []matrix.Mode{matrix.ModeDebug, matrix.ModeRelease},
		Archs:      []string{"ia32", "x64"},
		Sanitizers: []bool{false, true},
	}

	// Split builders: fletch-<os>-debug, fletch-<os>-release, fletch-<os>-asan
	if m[2] == "" {
		return id
	}

	id.Archs = archGroups[m[4]]
	if m[3] == "asan" {
		id.Sanitizers = []bool{true}
	} else {
		id.Modes = []matrix.Mode{matrix.Mode(m[3])}
		id.Sanitizers = []bool{false}
	}
	return id
}

// Configurations returns the build matrix for the identity
func (id Identity) Configurations() []matrix.Configuration {
	return matrix.Generate(id.System, id.Modes, id.Archs, id.Sanitizers)
}
