// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCatalogParsesEmbeddedYAML(t *testing.T) {
	cat, err := LoadCatalog()
	require.NoError(t, err)
	assert.NotEmpty(t, cat)

	entry, ok := cat["context_store"]
	require.True(t, ok)
	assert.NotEmpty(t, entry.UseWhen)
	assert.NotEmpty(t, entry.Examples)
}

func TestParseCatalogRejectsBadEntries(t *testing.T) {
	_, err := parseCatalog([]byte("tools:\n  - use_when: nameless\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no name")

	_, err = parseCatalog([]byte("tools:\n  - name: a\n  - name: a\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicates")

	_, err = parseCatalog([]byte("tools: {not-a-list: 1}\n"))
	require.Error(t, err)
}

func TestCatalogApplyEnrichesTools(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)
	reg.Register(echoTool("echo"))

	cat := Catalog{
		"echo":    {Name: "echo", Description: "Echo back.", UseWhen: "testing", Examples: []string{`{"title":"x"}`}},
		"missing": {Name: "missing"},
	}
	unknown := cat.Apply(reg)

	assert.Equal(t, []string{"missing"}, unknown)
	tool, _ := reg.Get("echo")
	assert.Equal(t, "Echo back. Use when: testing", tool.Description)
	assert.Equal(t, []string{`{"title":"x"}`}, tool.Examples)
}

func TestCatalogApplyKeepsDeclaredExamples(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)
	tool := echoTool("echo")
	tool.Examples = []string{`{"title":"declared"}`}
	reg.Register(tool)

	Catalog{"echo": {Name: "echo", Examples: []string{`{"title":"catalog"}`}}}.Apply(reg)

	got, _ := reg.Get("echo")
	assert.Equal(t, []string{`{"title":"declared"}`}, got.Examples)
}
