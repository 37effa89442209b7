// Package config loads the autotipd configuration file (YAML or JSON),
// overlays secrets taken from the environment and fills in defaults for the
// storage, queue, budget guard, identity, chain and engine sections.
package config
