// Package config loads and validates dispatcher configuration.
package config
