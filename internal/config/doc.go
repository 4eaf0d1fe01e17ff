// Package config provides configuration loading and validation for the
// prism-media extraction service. It handles YAML-based configuration with
// struct validation and optional hot reload of the file on disk.
package config
