package ollama

import (
	"strings"
	"unicode/utf8"
)

// Paginate splits text into an ordered, non-overlapping sequence of chunks of
// at most chunkSize bytes whose concatenation reproduces the input exactly.
// Within each window it prefers breaking after a blank line, then after a
// sentence terminator, provided the break lies past the window midpoint;
// otherwise it cuts at the hard boundary. Text that already fits, or a
// non-positive chunkSize, yields a single chunk.
func Paginate(text string, chunkSize int) []string {
	if chunkSize < 1 || len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	pos := 0

	for pos < len(text) {
		end := pos + chunkSize
		if end >= len(text) {
			chunks = append(chunks, text[pos:])
			break
		}

		window := text[pos:end]
		mid := pos + chunkSize/2

		if brk := strings.LastIndex(window, "\n\n"); brk >= 0 && pos+brk > mid {
			end = pos + brk + 2 // keep the blank line with the leading chunk
		} else if brk := strings.LastIndex(window, ". "); brk >= 0 && pos+brk > mid {
			end = pos + brk + 2
		} else {
			// Hard boundary: back off to a rune start so no chunk carries a
			// split encoding.
			for end > pos && !utf8.RuneStart(text[end]) {
				end--
			}
			if end == pos {
				_, size := utf8.DecodeRuneInString(text[pos:])
				end = pos + size
			}
		}

		chunks = append(chunks, text[pos:end])
		pos = end
	}

	return chunks
}
