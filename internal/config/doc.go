// Package config provides centralized configuration management for the
// MonadFlow runtime, merging JSON configuration files, MONADFLOW_ prefixed
// environment variables, and the legacy single-network variables kept for
// older automation scripts. It offers typed accessors for downstream
// services.
package config
