// Package config provides centralized configuration management for the
// Walta runtime. It loads a JSON configuration file, applies sensible
// defaults, and resolves relative paths against the file's directory.
package config
