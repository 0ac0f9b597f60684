package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, workDir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--workdir", workDir, "--backend", "mock", "--log-level", "off"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLIWorkflow(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, dir, "init", "summarizer", "--text", "Summarize the text.")
	require.NoError(t, err)
	assert.Contains(t, out, `Prompt "summarizer" at version 1`)

	inputFile := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(inputFile, []byte("Some article."), 0o644))

	out, err = execute(t, dir, "run", "summarizer", "--input", inputFile, "--rounds", "2", "--apply")
	require.NoError(t, err)
	assert.Contains(t, out, "--- ROUND 1")
	assert.Contains(t, out, "--- ROUND 2")
	assert.Contains(t, out, "Evaluation score: 0")
	assert.Contains(t, out, "Proposed change: Appended clarifying constraints.")

	out, err = execute(t, dir, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "summarizer")
	assert.Contains(t, out, "3")

	out, err = execute(t, dir, "history", "summarizer")
	require.NoError(t, err)
	assert.Contains(t, out, "auto-round-1")
	assert.Contains(t, out, "auto-round-2")

	out, err = execute(t, dir, "history", "summarizer", "--diff", "1,2")
	require.NoError(t, err)
	assert.Contains(t, out, "+Please be more specific")

	out, err = execute(t, dir, "rollback", "summarizer", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "restored from v1 as v4")

	out, err = execute(t, dir, "show", "summarizer")
	require.NoError(t, err)
	assert.Equal(t, "Summarize the text.\n", out)

	exportPath := filepath.Join(dir, "export.json")
	_, err = execute(t, dir, "export", exportPath)
	require.NoError(t, err)
	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	var exported map[string]any
	require.NoError(t, json.Unmarshal(data, &exported))
	assert.Contains(t, exported, "summarizer")
}

func TestCLIRunJSON(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, dir, "init", "p", "--text", "Prompt.")
	require.NoError(t, err)

	out, err := execute(t, dir, "run", "p", "--input", "literal input", "--no-teacher", "--json")
	require.NoError(t, err)

	var results []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Nil(t, results[0]["evaluation"])
	assert.Equal(t, "p", results[0]["prompt_name"])
}

func TestCLIErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "run", "missing", "--input", "x")
	assert.ErrorContains(t, err, "prompt not found")

	_, err = execute(t, dir, "rollback", "missing", "abc")
	assert.ErrorContains(t, err, "invalid version")

	_, err = execute(t, dir, "history", "missing", "--diff", "1")
	assert.Error(t, err)

	_, err = execute(t, dir, "--config", filepath.Join(dir, "nope.yaml"), "list")
	assert.ErrorContains(t, err, "config file not found")
}

func TestCLIProviders(t *testing.T) {
	out, err := execute(t, t.TempDir(), "providers")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "https://api.deepseek.com/chat/completions")
	assert.Regexp(t, `ollama\s+http://localhost:11434/v1/chat/completions\s+none`, out)
}
