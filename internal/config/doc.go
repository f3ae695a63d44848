// Package config loads the AgentPay JSON configuration file, applies
// environment overrides and defaults, and validates the result.
package config
