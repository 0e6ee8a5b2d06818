// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a key to a setting value that is "scoped" by operator.
package scoped

import (
	"maps"
	"slices"
	"strings"
)

// RootScope is the scope of the settings that apply to every operator.
const RootScope = "/"

// Params provides a mapping from string to any data type that is "scoped":
//
//   - For every scope there is a map of string to data.
//   - Accessing a key triggers a search from the current scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the current Params hold:
//
//	Scope: "/": { "k_depth": 2, "n_tile": 64 }
//	Scope: "/matmul": { "n_tile": 128 }
//	Scope: "/matmul/int8": { "k_depth": 1 }
//
//	Params.Get("/matmul/int8", "k_depth") -> 1
//	Params.Get("/matmul/int8", "n_tile") -> 128
//	Params.Get("/conv2d", "n_tile") -> 64
//	Params.Get("/conv2d", "m_tile") -> Not found.
//
// Every scope starts with Separator, and the root scope is Separator itself.
type Params struct {
	Separator  string
	scopeToMap map[string]map[string]any
}

// New creates an empty Params.
func New(scopeSeparator string) *Params {
	return &Params{
		Separator:  scopeSeparator,
		scopeToMap: make(map[string]map[string]any),
	}
}

// Clone returns a deep copy of the Params.
func (p *Params) Clone() *Params {
	newParams := New(p.Separator)
	for scope, dataMap := range p.scopeToMap {
		newParams.scopeToMap[scope] = maps.Clone(dataMap)
	}
	return newParams
}

// Join returns the scope path for the given parts: Join("matmul", "int8") -> "/matmul/int8".
func (p *Params) Join(parts ...string) string {
	var nonEmpty []string
	for _, part := range parts {
		part = strings.Trim(part, p.Separator)
		if part != "" {
			nonEmpty = append(nonEmpty, part)
		}
	}
	return p.Separator + strings.Join(nonEmpty, p.Separator)
}

// Set sets the value for the given key, in the given scope.
func (p *Params) Set(scope, key string, value any) {
	dataMap, found := p.scopeToMap[scope]
	if !found || dataMap == nil {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// Get retrieves the value for the given key in the given scope or any parent scope.
// E.g: Get("/matmul/int8", "k_depth") will search for "k_depth" in scopes "/matmul/int8", "/matmul" and "/"
// consecutively until it is found.
//
// It returns the first value found if any, and whether some value was found.
func (p *Params) Get(scope, key string) (value any, found bool) {
	for {
		if dataMap := p.scopeToMap[scope]; dataMap != nil {
			if value, found = dataMap[key]; found {
				return
			}
		}
		if scope == p.Separator || scope == "" {
			return nil, false
		}
		idx := strings.LastIndex(scope, p.Separator)
		if idx <= 0 {
			scope = p.Separator
		} else {
			scope = scope[:idx]
		}
	}
}

// Enumerate calls fn for every parameter, sorted by scope and then by key.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	for _, scope := range slices.Sorted(maps.Keys(p.scopeToMap)) {
		keyValues := p.scopeToMap[scope]
		for _, key := range slices.Sorted(maps.Keys(keyValues)) {
			fn(scope, key, keyValues[key])
		}
	}
}
