// Package config loads the resonanced runtime configuration from a JSON file,
// optional .env files and a handful of environment overrides, then fills in
// defaults for every negotiation timeout and threshold.
package config
