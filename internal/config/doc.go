// Package config loads, normalizes, and validates Lectern configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), loads secrets from an optional .env file, reads TOML files, and
// honours environment fallbacks such as AUDIOBOOKSHELF_TOKEN. The Config type
// centralizes every knob the daemon and CLI need, allowing data directories,
// queue concurrency, and external service endpoints to be discovered in one
// pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
