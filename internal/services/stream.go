package services

import (
	"ollamabridge/internal/models"
	"ollamabridge/internal/ollama"
)

// SplitChunk fans one upstream chunk out to client frames, splitting
// oversized content into numbered pages when pagination is enabled. The
// done flag rides on the last frame only.
func SplitChunk(chunk ollama.NormalizedResponse, chunkSize int, paginate bool) []models.ChatStreamEvent {
	content := chunk.Message.Content
	role := string(chunk.Message.Role)
	if !paginate || chunkSize <= 0 || len(content) <= chunkSize {
		return []models.ChatStreamEvent{{
			Message: models.StreamMessage{Role: role, Content: content},
			Done:    chunk.Done,
		}}
	}

	pages := ollama.Paginate(content, chunkSize)
	events := make([]models.ChatStreamEvent, len(pages))
	for i, page := range pages {
		events[i] = models.ChatStreamEvent{
			Message: models.StreamMessage{Role: role, Content: page},
			Done:    chunk.Done && i == len(pages)-1,
			Chunk:   &models.ChunkMeta{Index: i + 1, Total: len(pages)},
		}
	}
	return events
}
