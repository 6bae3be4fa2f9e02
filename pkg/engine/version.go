package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-version"
)

// snapshotBranch matches a branch snapshot such as "10.1.x-dev" whose last
// numeric segment is a literal x.
var snapshotBranch = regexp.MustCompile(`^(\d+\.(?:\d+\.)?)x(-dev)?$`)

// IsDevSnapshot reports whether v names a development snapshot such as "10.1.0-dev" or "10.1.x-dev".
func IsDevSnapshot(v string) bool {
	return strings.HasSuffix(strings.ToLower(v), "-dev")
}

// ParseVersion parses a semantic version. Snapshot branches such as "10.1.x-dev"
// are read as the lowest version of the branch ("10.1.0-dev").
func ParseVersion(v string) (*version.Version, error) {
	normalized := strings.TrimSpace(v)
	if normalized == "" {
		return nil, fmt.Errorf("empty version")
	}
	normalized = snapshotBranch.ReplaceAllString(normalized, "${1}0${2}")
	parsed, err := version.NewSemver(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", v, err)
	}
	return parsed, nil
}

// Branch returns the "major.minor." support branch a version belongs to.
func Branch(v string) (string, error) {
	parsed, err := ParseVersion(v)
	if err != nil {
		return "", err
	}
	segs := parsed.Segments()
	return fmt.Sprintf("%d.%d.", segs[0], segs[1]), nil
}
