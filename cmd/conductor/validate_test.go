package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunValidate_Examples(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runValidate(&out, []string{filepath.Join("..", "..", "examples", "definitions")}))

	assert.Contains(t, out.String(), "ok   ")
	assert.Contains(t, out.String(), "weekly-report")
	assert.Contains(t, out.String(), "seo-insight-tasks")
}

func TestRunValidate_ReportsEveryIssue(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
id: bad
caller_types: [agent]
steps:
  - id: a
    service: billing
    operation: charge
  - id: a
    service: analytics
    operation: query_insights
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	var out bytes.Buffer
	err := runValidate(&out, []string{dir})
	require.Error(t, err)
	assert.Equal(t, "1 of 1 documents invalid", err.Error())
	assert.Contains(t, out.String(), "FAIL "+bad)
	assert.Contains(t, out.String(), "billing")
	assert.Contains(t, out.String(), "duplicate step id")
}

func TestRunValidate_Unparseable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	var out bytes.Buffer
	assert.Error(t, runValidate(&out, []string{path}))
	assert.Contains(t, out.String(), "FAIL "+path)
}

func TestRunValidate_NothingFound(t *testing.T) {
	var out bytes.Buffer
	assert.EqualError(t, runValidate(&out, []string{t.TempDir()}), "no definition documents found")
}

func TestRunValidate_MissingPath(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, runValidate(&out, []string{filepath.Join(t.TempDir(), "nope")}))
}

func TestDiagramCommand(t *testing.T) {
	cmd := newRoot()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"diagram", "--format", "ascii", filepath.Join("..", "..", "examples", "definitions", "weekly-report.yaml")})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "=== Weekly report ===")
	assert.Contains(t, out.String(), "metrics")
	assert.Contains(t, out.String(), "automation.generate_report (30s)")
}
