// Package policy holds the validators that judge a staged update.
//
// Two families live here. Version rules (ForbidDowngrade, MajorVersionMatch,
// TargetSecurityRelease and friends) compare the installed and requested
// version of each package against the release feed; AttendedRules and
// UnattendedRules compose them into the two run modes, the unattended set
// being a strict superset. The Rego engine evaluates Open Policy Agent
// policies against the whole update (stage, installed and staged package
// lists, diff). Built-in policies block package removals and flag incidental
// core or major-version changes; operators add their own .rego or .json
// files, which the Loader can watch and hot-reload.
//
// Every policy module defines a deny set. Entries are either strings or
// objects:
//
//	package site.pinned
//
//	import rego.v1
//
//	deny contains violation if {
//		some change in input.diff.changes
//		change.name == "core"
//		not startswith(change.to, "10.")
//		violation := {"message": "core must stay on 10.x", "severity": "ERROR", "package": "core"}
//	}
//
// Operator settings are available to policies as data.config (see Engine.SetConfig).
package policy
