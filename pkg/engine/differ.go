package engine

import "sort"

// Diff compares the installed and staged sets. Every staged package that is
// new or has a different version becomes a change; installed packages missing
// from the staged set are reported as removals. Entries are classified by
// membership in requested and sorted by name, so the result does not depend
// on map iteration order.
func Diff(installed, staged PackageSet, requested []string) DiffResult {
	want := make(map[string]bool, len(requested))
	for _, name := range requested {
		want[name] = true
	}
	classify := func(name string) Classification {
		if want[name] {
			return ClassificationRequested
		}
		return ClassificationIncidental
	}

	result := DiffResult{
		Changes:  []PackageDiff{},
		Removals: []PackageDiff{},
	}

	for name, next := range staged {
		current, exists := installed[name]
		switch {
		case !exists:
			result.Changes = append(result.Changes, PackageDiff{
				Name:           name,
				Type:           next.Type,
				To:             next.Version,
				Change:         ChangeAddition,
				Classification: classify(name),
			})
		case current.Version != next.Version:
			result.Changes = append(result.Changes, PackageDiff{
				Name:           name,
				Type:           next.Type,
				From:           current.Version,
				To:             next.Version,
				Change:         ChangeUpdate,
				Classification: classify(name),
			})
		}
	}

	for name, current := range installed {
		if _, exists := staged[name]; exists {
			continue
		}
		result.Removals = append(result.Removals, PackageDiff{
			Name:           name,
			Type:           current.Type,
			From:           current.Version,
			Change:         ChangeRemoval,
			Classification: classify(name),
		})
	}

	sort.Slice(result.Changes, func(i, j int) bool { return result.Changes[i].Name < result.Changes[j].Name })
	sort.Slice(result.Removals, func(i, j int) bool { return result.Removals[i].Name < result.Removals[j].Name })

	return result
}
