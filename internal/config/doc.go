// Package config loads the bridge configuration.
//
// Settings are merged from three layers, higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  3. Environment Variables   │  ← CSPYBRIDGE_*
//	├─────────────────────────────┤
//	│  2. Config File             │  ← TOML or YAML
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │
//	└─────────────────────────────┘
//
// Without an explicit file, config.toml and then config.yaml are looked up
// in the user configuration directory ($XDG_CONFIG_HOME/cspybridge or
// ~/.config/cspybridge). A missing default file is not an error.
//
// # Example
//
//	[engine]
//	workbench = "/opt/iar/ewarm-9.60"
//
//	[timeouts]
//	readiness = "20s"
//
//	[logging]
//	level = "debug"
//
// Durations are written as Go duration strings. The same settings can be
// given as environment variables, e.g. CSPYBRIDGE_TIMEOUTS_READINESS=20s.
//
// # Sub-packages
//
//   - loader: TOML, YAML and environment variable loading and merging
package config
