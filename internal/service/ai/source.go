// Package ai adapts cloudwego/eino chat models to the orchestrator's
// token-stream contract.
package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"pdftutor/internal/config"
	"pdftutor/internal/service/chat"
)

type einoSource struct {
	model model.BaseChatModel
}

// NewTokenSource builds the chat model for the configured provider. The
// provider's API semantics stay opaque behind chat.TokenSource.
func NewTokenSource(ctx context.Context, cfg *config.Config) (chat.TokenSource, error) {
	provider := cfg.LLM.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelType := cfg.LLM.Model
	if modelType == "" {
		modelType = provCfg.Model
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelType,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelType,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &einoSource{model: chatModel}, nil
}

func (s *einoSource) Stream(ctx context.Context, messages []*schema.Message) (chat.TokenStream, error) {
	reader, err := s.model.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("open model stream: %w", err)
	}
	return &einoStream{reader: reader}, nil
}

type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// Recv passes through the reader's io.EOF on normal completion.
func (s *einoStream) Recv() (string, error) {
	msg, err := s.reader.Recv()
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

func (s *einoStream) Close() {
	s.reader.Close()
}
