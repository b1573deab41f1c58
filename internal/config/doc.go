// Package config loads the relay's settings from defaults, an optional
// config.yaml and RELAY_* environment variables, then validates them. A
// nested key maps to an upper-case variable with dots as underscores:
// poll.first_delay is RELAY_POLL_FIRST_DELAY.
package config
