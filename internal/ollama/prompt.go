package ollama

import "strings"

// Markers for the legacy llama-style prompt format used by /api/generate.
const (
	instOpen  = "<s>[INST] "
	instClose = " [/INST]"
	sysOpen   = "<<SYS>>\n"
	sysClose  = "\n<</SYS>>\n\n"
	turnClose = " </s>"
)

// BuildPrompt flattens a conversation into a single prompt string for the
// legacy generate endpoint. A system message is honored only when it is the
// first message; later system messages are dropped. A user turn that follows
// a closed assistant turn opens a new instruction block, while consecutive
// user turns continue the open one. If the final segment is left without a
// closing marker, an instruction terminator is appended so the model treats
// the prompt as one to complete.
func BuildPrompt(messages []Message) string {
	segments := make([]string, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if len(segments) == 0 {
				segments = append(segments, instOpen+sysOpen+msg.Content+sysClose)
			}
		case RoleUser:
			if n := len(segments); n > 0 && strings.HasSuffix(segments[n-1], "</s>") {
				segments = append(segments, instOpen+msg.Content+instClose)
			} else {
				segments = append(segments, msg.Content+instClose)
			}
		case RoleAssistant:
			segments = append(segments, msg.Content+turnClose)
		}
	}

	if n := len(segments); n > 0 {
		last := segments[n-1]
		if !strings.HasSuffix(last, "[/INST]") && !strings.HasSuffix(last, "</s>") {
			segments[n-1] = last + instClose
		}
	}

	return strings.Join(segments, "")
}
