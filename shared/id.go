// ID generation for sessions, prompts, content blocks and tool invocations.
package shared

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const IDLength = 21

const (
	PrefixSession    = "sess"
	PrefixPrompt     = "prompt"
	PrefixContent    = "content"
	PrefixCompletion = "compl"
	PrefixToolUse    = "tu"
)

func NewID(prefix string) string {
	id, err := nanoid.New(IDLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewSessionID() string    { return NewID(PrefixSession) }
func NewPromptID() string     { return NewID(PrefixPrompt) }
func NewContentID() string    { return NewID(PrefixContent) }
func NewCompletionID() string { return NewID(PrefixCompletion) }
func NewToolUseID() string    { return NewID(PrefixToolUse) }
