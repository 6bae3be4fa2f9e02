package policy

import "github.com/openfroyo/stagehand/pkg/engine"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		noPackageRemovalsPolicy(),
		incidentalCoreChangePolicy(),
		incidentalMajorBumpPolicy(),
	}
}

// noPackageRemovalsPolicy blocks updates that would uninstall packages.
// Operators can allow specific names through data.config.allowed_removals.
func noPackageRemovalsPolicy() Policy {
	return Policy{
		Name:        "no-package-removals",
		Description: "Updates must not remove installed packages",
		Severity:    engine.SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		Rego: `package stagehand.policies.removals

import rego.v1

removal_allowed(name) if {
	some allowed in data.config.allowed_removals
	allowed == name
}

deny contains violation if {
	some removal in input.diff.removals
	not removal_allowed(removal.name)
	violation := {
		"message": sprintf("update would remove %s %s", [removal.name, removal.from]),
		"severity": "ERROR",
		"package": removal.name,
	}
}
`,
	}
}

// incidentalCoreChangePolicy flags core changes that nobody asked for.
func incidentalCoreChangePolicy() Policy {
	return Policy{
		Name:        "incidental-core-change",
		Description: "Warns when a core package changes as a side effect of another update",
		Severity:    engine.SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"review"},
		Rego: `package stagehand.policies.core

import rego.v1

deny contains violation if {
	some change in input.diff.changes
	change.classification == "incidental"
	change.type == "core"
	violation := {
		"message": sprintf("core package %s changes to %s without being requested", [change.name, change.to]),
		"severity": "WARNING",
		"package": change.name,
	}
}
`,
	}
}

// incidentalMajorBumpPolicy flags side-effect updates that cross a major version.
func incidentalMajorBumpPolicy() Policy {
	return Policy{
		Name:        "incidental-major-bump",
		Description: "Warns when a package pulled in by another update crosses a major version",
		Severity:    engine.SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"review"},
		Rego: `package stagehand.policies.major

import rego.v1

major(v) := split(v, ".")[0]

deny contains violation if {
	some change in input.diff.changes
	change.classification == "incidental"
	change.change == "update"
	major(change.from) != major(change.to)
	violation := {
		"message": sprintf("%s moves from %s to %s, a major version change pulled in by another update", [change.name, change.from, change.to]),
		"severity": "WARNING",
		"package": change.name,
	}
}
`,
	}
}
