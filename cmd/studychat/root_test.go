package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandFlags(t *testing.T) {
	for name, typ := range map[string]string{
		"storage":          "string",
		"storage-dir":      "string",
		"ollama-url":       "string",
		"model":            "string",
		"context-window":   "int",
		"interrupt-marker": "string",
		"docqa-endpoint":   "string",
		"local-docqa":      "bool",
	} {
		f := rootCmd.PersistentFlags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, typ, f.Value.Type(), name)
	}
}

func TestThreadsCommand_ListsFreshSession(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"threads", "--storage", "file", "--storage-dir", t.TempDir()})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "New chat (0 messages)")
	assert.Equal(t, "file", v.GetString("storage.backend"))
}
