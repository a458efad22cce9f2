// Package config loads the YAML configuration of the sync daemon and the
// migration tool and opens the storage providers it describes.
//
// Durations use Go syntax ("30s", "200ms") and ${VAR} references are expanded
// from the environment before parsing.
package config
