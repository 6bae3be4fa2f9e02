package config

// schemaSource constrains update.cue. Definitions are closed, so unknown
// fields are rejected.
const schemaSource = `
#Duration: =~"^([0-9]+(ns|us|ms|s|m|h))+$"

#Hook: {
	name:     string & !=""
	type:     "starlark" | "clear-dir" | "command"
	script?:  string
	file?:    string
	dir?:     string
	command?: string
	args?: [...string]
	env?: [string]: string
	timeout?: #Duration
}

#Config: {
	project: {
		root:     string & !=""
		registry: string & !=""
	}
	stage?: {
		root?: string
	}
	store?: {
		path?: string
	}
	releases?: {
		source?:           "http" | "file"
		url?:              string
		dir?:              string
		timeout?:          #Duration
		cache_ttl?:        #Duration
		max_elapsed_time?: #Duration
	}
	policy?: {
		paths?: [...string]
		allowed_removals?: [...string]
		disabled?: [...string]
	}
	validation?: {
		max_parallel?:        int & >=1 & <=64
		allow_minor_updates?: bool
		supported_branches?: [...=~"^[0-9]+\\.([0-9]+\\.)?$"]
	}
	hooks?: [...#Hook]
	telemetry?: {
		log_level?:     "trace" | "debug" | "info" | "warn" | "error"
		log_format?:    "console" | "json"
		metrics_addr?:  string
		tracing?:       "none" | "stdout" | "otlp"
		otlp_endpoint?: string
	}
}
`
