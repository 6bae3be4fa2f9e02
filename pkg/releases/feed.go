package releases

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// Document is one project's release feed.
type Document struct {
	Project  string           `json:"project"`
	Releases []engine.Release `json:"releases"`
}

// ParseDocument decodes a feed document and checks every version parses.
// Release order is preserved.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode release feed: %w", err)
	}
	for i, r := range doc.Releases {
		if _, err := engine.ParseVersion(r.Version); err != nil {
			return nil, fmt.Errorf("release %d of %s: %w", i, doc.Project, err)
		}
	}
	if doc.Releases == nil {
		doc.Releases = []engine.Release{}
	}
	return &doc, nil
}

// SelectUnattendedTarget picks the newest security release on the installed
// version's branch that is newer than installed and stable or a release
// candidate. It returns false when there is nothing to install.
func SelectUnattendedTarget(installed string, releases []engine.Release) (string, bool) {
	current, err := engine.ParseVersion(installed)
	if err != nil || engine.IsDevSnapshot(installed) {
		return "", false
	}
	branch, err := engine.Branch(installed)
	if err != nil {
		return "", false
	}

	var best string
	for _, r := range releases {
		if !r.SecurityRelease {
			continue
		}
		candidate, err := engine.ParseVersion(r.Version)
		if err != nil || !candidate.GreaterThan(current) {
			continue
		}
		if b, _ := engine.Branch(r.Version); b != branch {
			continue
		}
		if pre := candidate.Prerelease(); pre != "" && !isReleaseCandidate(pre) {
			continue
		}
		if best == "" {
			best = r.Version
			continue
		}
		if prev, _ := engine.ParseVersion(best); candidate.GreaterThan(prev) {
			best = r.Version
		}
	}
	return best, best != ""
}

func isReleaseCandidate(pre string) bool {
	return strings.HasPrefix(strings.ToLower(pre), "rc")
}
