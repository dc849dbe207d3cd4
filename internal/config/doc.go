// Package config describes a tunnel session declaratively and renders it
// into the engine's line-oriented control configuration.
//
// TunnelConfig values come either from code or from a TOML/YAML file (Load).
// Build turns a TunnelConfig into the exact key=value text the engine
// consumes; it is pure and does no I/O.
package config
