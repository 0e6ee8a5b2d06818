// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hardware

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ScopeSeparator separates the operator scope from the setting key: "matmul/n_tile=128".
const ScopeSeparator = "/"

// DefaultSettings are the operator tunables understood by ParseSettings, with their default values.
//
// The default value also defines the type the setting is parsed to.
var DefaultSettings = map[string]any{
	// Matmul tiling, in elements, and buffering depth of the N, M and K loops.
	"m_tile":  16,
	"n_tile":  64,
	"k_tile":  32,
	"m_depth": 1,
	"n_depth": 1,
	"k_depth": 2,

	// Conv2D output channels per channel tile, and buffering depth of the batch loop.
	"cout_split":  64,
	"batch_depth": 2,
}

// hardwareKeys returns the profile fields that can be set by ParseSettings.
func (p *Profile) hardwareKeys() map[string]*int {
	return map[string]*int{
		"cores":             &p.Cores,
		"staging_bytes":     &p.StagingBytes,
		"accumulator_bytes": &p.AccumulatorBytes,
		"block_bytes":       &p.BlockBytes,
		"max_stride":        &p.MaxStride,
		"max_burst":         &p.MaxBurst,
		"max_burst_count":   &p.MaxBurstCount,
		"max_elements":      &p.MaxElements,
	}
}

// ParseSettings updates the profile from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "cores=4;staging_bytes=2_097_152;matmul/n_tile=128".
//
// Hardware keys (cores, staging_bytes, accumulator_bytes, block_bytes, max_stride, max_burst, max_burst_count,
// max_elements) apply to the whole profile and can't be scoped. Operator tunables (see DefaultSettings)
// can be scoped by operator name ("matmul/k_depth=1"), or unscoped to apply to every operator.
//
// For integer values "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// It returns an error if a key is unknown or the value can't be parsed, and the profile is then left
// partially updated.
func (p *Profile) ParseSettings(settings string) error {
	hwKeys := p.hardwareKeys()
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		parts := strings.Split(setting, "=")
		if len(parts) != 2 {
			return errors.Errorf("can't parse settings %q: each setting requires the format \"<key>=<value>\", got %q",
				settings, setting)
		}
		path, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		pathParts := strings.Split(path, ScopeSeparator)
		key := pathParts[len(pathParts)-1]
		scope := p.params().Join(pathParts[:len(pathParts)-1]...)

		if field, found := hwKeys[key]; found {
			if scope != ScopeSeparator {
				return errors.Errorf("hardware setting %q can't be scoped (got %q)", key, path)
			}
			value, err := parseValue(*field, valueStr)
			if err != nil {
				return errors.WithMessagef(err, "setting %q", path)
			}
			*field = value.(int)
			continue
		}

		defaultValue, found := DefaultSettings[key]
		if !found {
			return errors.Errorf("can't set %q: unknown setting %q, known settings are %s", path, key,
				strings.Join(p.KnownKeys(), ", "))
		}
		value, err := parseValue(defaultValue, valueStr)
		if err != nil {
			return errors.WithMessagef(err, "setting %q", path)
		}
		p.params().Set(scope, key, value)
		klog.V(2).Infof("hardware: setting %s%s%s=%v", scope, ScopeSeparator, key, value)
	}
	return nil
}

// parseValue parses valueStr to the type of defaultValue.
func parseValue(defaultValue any, valueStr string) (value any, err error) {
	switch v := defaultValue.(type) {
	case int:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	default:
		err = errors.Errorf("don't know how to parse type %T", defaultValue)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q (default value is %#v)", valueStr, defaultValue)
	}
	return
}

// SetSetting sets an operator tunable programmatically. An empty op sets it for every operator.
func (p *Profile) SetSetting(op, key string, value int) error {
	if _, found := DefaultSettings[key]; !found {
		return errors.Errorf("unknown setting %q, known settings are %s", key, strings.Join(p.KnownKeys(), ", "))
	}
	p.params().Set(p.params().Join(op), key, value)
	return nil
}

// Setting returns the value of the operator tunable key for the operator op: the most specific value set
// by ParseSettings/SetSetting, or the entry in DefaultSettings.
//
// It panics for an unknown key, which is a programming error.
func (p *Profile) Setting(op, key string) int {
	if value, found := p.params().Get(p.params().Join(op), key); found {
		return value.(int)
	}
	value, found := DefaultSettings[key]
	if !found {
		panic(errors.Errorf("hardware.Profile.Setting(%q, %q): unknown setting", op, key))
	}
	return value.(int)
}

// HasSetting returns whether the tunable key was explicitly set for op, or for one of its enclosing scopes.
func (p *Profile) HasSetting(op, key string) bool {
	_, found := p.params().Get(p.params().Join(op), key)
	return found
}

// KnownKeys lists, sorted, every key accepted by ParseSettings.
func (p *Profile) KnownKeys() []string {
	keys := slices.Collect(maps.Keys(DefaultSettings))
	keys = slices.AppendSeq(keys, maps.Keys(p.hardwareKeys()))
	slices.Sort(keys)
	return keys
}

// EnumerateSettings calls fn for every operator tunable explicitly set, sorted by scope and key.
func (p *Profile) EnumerateSettings(fn func(scope, key string, value any)) {
	p.params().Enumerate(fn)
}

// SprintSettings pretty-prints the profile and the explicitly set tunables.
func (p *Profile) SprintSettings() string {
	parts := []string{p.String()}
	p.EnumerateSettings(func(scope, key string, value any) {
		if scope == ScopeSeparator {
			parts = append(parts, fmt.Sprintf("%q: %v", key, value))
		} else {
			parts = append(parts, fmt.Sprintf("%q / %q: %v", scope, key, value))
		}
	})
	return strings.Join(parts, "\n\t")
}
