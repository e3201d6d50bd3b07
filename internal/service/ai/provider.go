package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"frenchmentor/internal/config"
	"frenchmentor/internal/tutor"
)

// DefaultModels is used when neither the provider nor the tutor section
// names a model.
var DefaultModels = map[string]string{
	"gemini": "gemini-2.5-flash",
	"openai": "gpt-4o-mini",
	"claude": "claude-sonnet-4-5",
}

// NewChatModel builds the eino chat model for provider. Unknown providers and
// missing keys are configuration faults.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("%w: no api key for provider %s", tutor.ErrConfigurationFault, provider)
	}
	modelName := provCfg.Model
	if modelName == "" {
		modelName = DefaultModels[provider]
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("%w: gemini client: %w", tutor.ErrConfigurationFault, cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("%w: invalid provider %q", tutor.ErrConfigurationFault, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: init %s model: %w", tutor.ErrConfigurationFault, provider, err)
	}
	return chatModel, nil
}
