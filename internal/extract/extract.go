// Package extract converts uploaded document bytes into plain text.
package extract

import "context"

// Extractor turns raw document bytes into text. An error is terminal for
// session creation; no partial session may be persisted after a failure.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, filename string) (string, error)
}
