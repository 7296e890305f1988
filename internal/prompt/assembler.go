// Package prompt builds the ordered message sequence sent to the model.
package prompt

import (
	"fmt"

	"github.com/cloudwego/eino/schema"

	"pdftutor/internal/models"
)

const tutorInstructions = "You are a professional AI Tutor. Answer strictly " +
	"from the document provided below. If the document does not contain the " +
	"answer, say so instead of guessing."

// Assemble produces, in order: one framing system message carrying the
// document text, the prior turns as user/assistant pairs reproduced
// verbatim, and the new question as the final user message. It is pure and
// deterministic; history is never truncated or summarized here.
func Assemble(documentText string, history []models.Turn, question string) []*schema.Message {
	messages := make([]*schema.Message, 0, 2*len(history)+2)
	messages = append(messages, &schema.Message{
		Role: schema.System,
		Content: fmt.Sprintf("%s\n\nDOCUMENT TEXT:\n---\n%s\n---",
			tutorInstructions, documentText),
	})
	for _, turn := range history {
		messages = append(messages, &schema.Message{
			Role:    schema.User,
			Content: turn.UserText,
		})
		messages = append(messages, &schema.Message{
			Role:    schema.Assistant,
			Content: turn.AssistantText,
		})
	}
	messages = append(messages, &schema.Message{
		Role:    schema.User,
		Content: question,
	})
	return messages
}
