package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		stageType = ""
		syncPrevious = nil
		syncCurrent = nil
	})
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestCLIRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
logging:
  output: %s
storage:
  cache_root: %s
  allowed_types: [text/plain]
backend:
  type: filesystem
  filesystem:
    path: %s
`, filepath.Join(dir, "log"), filepath.Join(dir, "web"), filepath.Join(dir, "blobs"))), 0644))

	src := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("plain text"), 0644))

	stagingPath, err := runCLI(t, "stage", "-c", cfgPath, "--type", "text/plain", src)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stagingPath, "/upload/"), stagingPath)

	publicPath, err := runCLI(t, "promote", "-c", cfgPath, stagingPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(publicPath, "/public/"), publicPath)
	assert.True(t, strings.HasSuffix(publicPath, "/notes.txt"))

	out, err := runCLI(t, "ensure", "-c", cfgPath, publicPath)
	require.NoError(t, err)
	fields := strings.Split(out, "\t")
	require.Len(t, fields, 2)
	data, err := os.ReadFile(fields[0])
	require.NoError(t, err)
	assert.Equal(t, "plain text", string(data))

	out, err = runCLI(t, "sync", "-c", cfgPath, "--previous", publicPath)
	require.NoError(t, err)
	var res struct {
		Removed []string `json:"removed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []string{publicPath}, res.Removed)

	_, err = runCLI(t, "ensure", "-c", cfgPath, publicPath)
	assert.Error(t, err)
}

func TestCLIStageRejectsType(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
logging:
  output: %s
storage:
  cache_root: %s
  allowed_types: [image/png]
backend:
  type: memory
`, filepath.Join(dir, "log"), filepath.Join(dir, "web"))), 0644))

	src := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("plain text"), 0644))

	_, err := runCLI(t, "stage", "-c", cfgPath, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload rejected")
}
