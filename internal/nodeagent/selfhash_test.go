// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nodeagent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineHashesDeterministic(t *testing.T) {
	a, err := CombineHashes(map[string]string{"b": "2", "a": "1"})
	require.NoError(t, err)
	b, err := CombineHashes(map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "order of insertion must not matter")
	assert.Len(t, a, 64)

	c, err := CombineHashes(map[string]string{"a": "1", "b": "3"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "a changed file hash must change the combined hash")
}

func TestReportIncludesExecutableAndExtras(t *testing.T) {
	dir := t.TempDir()
	extra := filepath.Join(dir, "agent.hcl")
	require.NoError(t, os.WriteFile(extra, []byte("role = \"app\"\n"), 0o600))

	h := NewSelfHasher([]string{extra})
	report, err := h.Report()
	require.NoError(t, err)

	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Contains(t, report.FileHashes, exe)
	assert.Contains(t, report.FileHashes, extra)
	assert.Equal(t, exe, report.AgentPath)
	assert.Equal(t, 2, report.FileCount)
	assert.Empty(t, report.MissingFiles)
}

func TestReportTracksMissingFiles(t *testing.T) {
	h := NewSelfHasher([]string{"/nonexistent/agent.hcl"})
	report, err := h.Report()
	require.NoError(t, err)
	assert.Equal(t, []string{"/nonexistent/agent.hcl"}, report.MissingFiles)
}

func TestReportChangesWhenExtraFileChanges(t *testing.T) {
	dir := t.TempDir()
	extra := filepath.Join(dir, "agent.hcl")
	require.NoError(t, os.WriteFile(extra, []byte("v1"), 0o600))

	h := NewSelfHasher([]string{extra})
	before, err := h.Report()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(extra, []byte("v2"), 0o600))
	after, err := h.Report()
	require.NoError(t, err)

	assert.NotEqual(t, before.CombinedHash, after.CombinedHash)
}
