// Package config loads the orchestrator configuration.
//
// Configuration is written in CUE, conventionally in update.cue next to the
// project. The file is unified with an embedded schema, so type errors and
// unknown fields are reported with their file position before anything
// runs:
//
//	project: {
//		root:     "/srv/site"
//		registry: "/srv/registry"
//	}
//	releases: {
//		source: "http"
//		url:    "https://updates.example.org/releases"
//	}
//	hooks: [{
//		name: "clear-cache"
//		type: "clear-dir"
//		dir:  "cache"
//	}]
//
// After unification the value is decoded into Config, relative paths are
// resolved against the file's directory, defaults are filled in and the
// result is checked with go-playground/validator.
package config
