// Package config resolves server, engine, cache and storage settings from
// defaults, environment variables, an optional YAML file and CLI flags, in
// increasing order of precedence. Malformed values are reported as errors
// instead of being silently ignored.
package config
