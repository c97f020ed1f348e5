// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/unicompute/results"
)

// ConfigEnvVar is the environment variable with the default backends configuration to use.
//
// The format of the configuration is a ";" separated list of "<backend_name>[:<backend_configuration>]".
// The "<backend_name>" is the name of a registered backend (e.g.: "host") and "<backend_configuration>" is
// backend specific, usually a "," separated list of "key=value" options (see ParseOptions).
//
// Example: UNICOMPUTE_BACKENDS="host:parallelism=4;opencl:type=gpu"
const ConfigEnvVar = "UNICOMPUTE_BACKENDS"

// DefaultConfig is the backends configuration used if ConfigEnvVar is not set.
// If empty, all registered backends are used with an empty configuration.
var DefaultConfig string

// Spec is one entry of a parsed backends configuration.
type Spec struct {
	Name, Config string
}

// ConfigFromEnv returns the configuration to use by default:
//
// 1. The environment variable ConfigEnvVar is used if defined.
// 2. Next the variable DefaultConfig is used if defined.
// 3. Otherwise, all registered backends with an empty configuration.
func ConfigFromEnv() string {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return config
	}
	return DefaultConfig
}

// ParseConfig splits a backends configuration into its entries.
//
// An empty configuration selects every registered backend, with an empty configuration.
// It returns an error wrapping results.BackendNotFound if a named backend is not registered.
func ParseConfig(config string) ([]Spec, error) {
	config = strings.TrimSpace(config)
	if config == "" {
		names := List()
		specs := make([]Spec, len(names))
		for ii, name := range names {
			specs[ii] = Spec{Name: name}
		}
		return specs, nil
	}
	var specs []Spec
	for _, entry := range strings.Split(config, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var spec Spec
		if idx := strings.Index(entry, ":"); idx != -1 {
			spec.Name, spec.Config = entry[:idx], entry[idx+1:]
		} else {
			spec.Name = entry
		}
		if _, found := TypeOf(spec.Name); !found {
			return nil, errors.Wrapf(results.BackendNotFound, "backend %q in configuration %q is not registered (registered backends: %q)",
				spec.Name, config, List())
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParseOptions parses a backend configuration of the form "key1=value1,key2=value2,flag".
// A key without value is set to "true".
func ParseOptions(config string) (map[string]string, error) {
	options := make(map[string]string)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.Wrapf(results.InvalidArgument, "empty option name in backend configuration %q", config)
		}
		if !found {
			value = "true"
		}
		options[key] = strings.TrimSpace(value)
	}
	return options, nil
}

// IntOption returns the option key parsed as an int, or defaultValue if not set.
func IntOption(options map[string]string, key string, defaultValue int) (int, error) {
	value, found := options[key]
	if !found {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(results.InvalidArgument, "option %s=%q is not an integer", key, value)
	}
	return v, nil
}
