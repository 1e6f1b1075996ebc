package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTandemServer(t *testing.T) {
	s := NewTandemServer(TandemServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewTandemServer(TandemServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 7)

	expectedTools := []string{
		"tandem.define",
		"tandem.start",
		"tandem.signal",
		"tandem.retry",
		"tandem.query",
		"tandem.preflight",
		"tandem.logs",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestSignalToolEnumeratesTypes(t *testing.T) {
	s := NewTandemServer(TandemServerDeps{})

	tool := s.mcpServer.GetTool("tandem.signal")
	require.NotNil(t, tool)

	prop, ok := tool.Tool.InputSchema.Properties["type"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"cancel", "pause", "resume_after_review"}, prop["enum"])
}
