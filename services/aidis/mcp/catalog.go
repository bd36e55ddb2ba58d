// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mcp

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// MaxCatalogSize bounds the tool catalog YAML (1MB).
const MaxCatalogSize = 1024 * 1024

// =============================================================================
// Embedded Default Catalog
// =============================================================================

//go:embed tool_catalog.yaml
var defaultCatalogYAML []byte

// =============================================================================
// Types
// =============================================================================

// CatalogEntry is usage guidance for one tool, maintained alongside the
// code in tool_catalog.yaml rather than scattered through handler files.
type CatalogEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	UseWhen     string   `yaml:"use_when,omitempty"`
	Examples    []string `yaml:"examples,omitempty"`
}

type catalogFile struct {
	Tools []CatalogEntry `yaml:"tools"`
}

// Catalog maps tool names to their guidance entries.
type Catalog map[string]CatalogEntry

// =============================================================================
// Loading
// =============================================================================

// LoadCatalog parses the embedded default catalog.
func LoadCatalog() (Catalog, error) {
	return parseCatalog(defaultCatalogYAML)
}

// parseCatalog deserializes and validates catalog YAML.
func parseCatalog(data []byte) (Catalog, error) {
	if len(data) > MaxCatalogSize {
		return nil, fmt.Errorf("tool catalog exceeds %d bytes", MaxCatalogSize)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}

	cat := make(Catalog, len(file.Tools))
	for i := range file.Tools {
		e := file.Tools[i]
		if e.Name == "" {
			return nil, fmt.Errorf("tool catalog entry %d has no name", i)
		}
		if _, dup := cat[e.Name]; dup {
			return nil, fmt.Errorf("tool catalog duplicates %q", e.Name)
		}
		cat[e.Name] = e
	}
	return cat, nil
}

// =============================================================================
// Registry Enrichment
// =============================================================================

// Apply merges catalog guidance into registered tools: a catalog
// description replaces the code default, use_when is appended, and examples
// fill in where the tool declared none. Entries naming unregistered tools
// are returned so startup can log them; they are not an error, the catalog
// may describe tools a deployment has compiled out.
func (c Catalog) Apply(r *Registry) []string {
	var unknown []string
	for name, entry := range c {
		tool, ok := r.Get(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if entry.Description != "" {
			tool.Description = entry.Description
		}
		if entry.UseWhen != "" {
			tool.Description += " Use when: " + entry.UseWhen
		}
		if len(tool.Examples) == 0 {
			tool.Examples = entry.Examples
		}
	}
	return unknown
}
