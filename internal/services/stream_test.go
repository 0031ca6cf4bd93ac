package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollamabridge/internal/ollama"
)

func TestSplitChunkPassesSmallChunksThrough(t *testing.T) {
	chunk := ollama.NormalizedResponse{
		Message: ollama.NormalizedMessage{Role: ollama.RoleAssistant, Content: "short"},
		Done:    true,
	}

	events := SplitChunk(chunk, 100, true)

	require.Len(t, events, 1)
	assert.Equal(t, "short", events[0].Message.Content)
	assert.Equal(t, "assistant", events[0].Message.Role)
	assert.True(t, events[0].Done)
	assert.Nil(t, events[0].Chunk)
}

func TestSplitChunkPaginatesOversizedContent(t *testing.T) {
	chunk := ollama.NormalizedResponse{
		Message: ollama.NormalizedMessage{Content: strings.Repeat("a", 10)},
		Done:    true,
	}

	events := SplitChunk(chunk, 4, true)

	require.Len(t, events, 3)
	var rebuilt strings.Builder
	for i, ev := range events {
		require.NotNil(t, ev.Chunk)
		assert.Equal(t, i+1, ev.Chunk.Index)
		assert.Equal(t, 3, ev.Chunk.Total)
		assert.LessOrEqual(t, len(ev.Message.Content), 4)
		rebuilt.WriteString(ev.Message.Content)
	}
	assert.Equal(t, strings.Repeat("a", 10), rebuilt.String())

	// Done rides the last frame only.
	assert.False(t, events[0].Done)
	assert.False(t, events[1].Done)
	assert.True(t, events[2].Done)
}

func TestSplitChunkKeepsDoneOffIntermediateChunks(t *testing.T) {
	chunk := ollama.NormalizedResponse{
		Message: ollama.NormalizedMessage{Content: strings.Repeat("b", 10)},
		Done:    false,
	}

	events := SplitChunk(chunk, 4, true)

	require.Len(t, events, 3)
	for _, ev := range events {
		assert.False(t, ev.Done)
	}
}

func TestSplitChunkDisabledPagination(t *testing.T) {
	chunk := ollama.NormalizedResponse{
		Message: ollama.NormalizedMessage{Content: strings.Repeat("c", 10)},
		Done:    true,
	}

	events := SplitChunk(chunk, 4, false)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Chunk)

	events = SplitChunk(chunk, 0, true)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Chunk)
}
