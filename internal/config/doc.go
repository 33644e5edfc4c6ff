// ABOUTME: Package documentation for configuration loading.
// ABOUTME: YAML with env expansion feeding every gateway component.

// Package config loads and validates the fleet-gateway YAML configuration.
//
// Files support ${VAR_NAME} environment expansion and human-readable
// duration strings ("30s", "5m"). Every timing knob has a default so an
// empty file is a runnable configuration.
package config
