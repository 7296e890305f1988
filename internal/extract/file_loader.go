package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
)

// FileLoaderExtractor parses documents locally through the eino file
// loader, falling back to plain-text parsing for unknown extensions.
type FileLoaderExtractor struct {
	loader *file.FileLoader
}

func NewFileLoaderExtractor(ctx context.Context) (*FileLoaderExtractor, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init ext parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init file loader: %w", err)
	}
	return &FileLoaderExtractor{loader: loader}, nil
}

// ExtractText stages the bytes in a temp file so the loader can pick a
// parser from the original extension.
func (e *FileLoaderExtractor) ExtractText(ctx context.Context, data []byte, filename string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("document is empty")
	}
	ext := filepath.Ext(filename)
	tmp, err := os.CreateTemp("", "pdftutor-*"+ext)
	if err != nil {
		return "", fmt.Errorf("stage document: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("stage document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("stage document: %w", err)
	}

	docs, err := e.loader.Load(ctx, document.Source{URI: tmp.Name()})
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return "", errors.New("document has no readable text content")
	}
	return text, nil
}
