package provider

import (
	"strings"

	"github.com/felipepmaragno/ai-router/internal/transport"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = openai.GPT4oMini
	DefaultClaudeBaseURL = "https://api.anthropic.com/v1"
	DefaultClaudeModel   = "claude-3-5-haiku-20241022"
	DefaultBedrockModel  = "anthropic.claude-3-haiku-20240307-v1:0"

	anthropicVersion        = "2023-06-01"
	bedrockAnthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens        = 1024
)

// NewOpenAI builds the chat completions config.
func NewOpenAI(baseURL, model string) Config {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return Config{
		Name:       OpenAI,
		Endpoint:   strings.TrimRight(baseURL, "/") + "/chat/completions",
		Model:      model,
		Transport:  transport.KindHTTP,
		APIKeyName: APIKeyName(OpenAI),
		Payload:    openAIPayload,
		Headers:    bearerHeaders,
	}
}

// NewClaude builds the Anthropic messages API config.
func NewClaude(baseURL, model string) Config {
	if baseURL == "" {
		baseURL = DefaultClaudeBaseURL
	}
	if model == "" {
		model = DefaultClaudeModel
	}
	return Config{
		Name:       Claude,
		Endpoint:   strings.TrimRight(baseURL, "/") + "/messages",
		Model:      model,
		Transport:  transport.KindHTTP,
		APIKeyName: APIKeyName(Claude),
		Payload:    messagesPayload(""),
		Headers:    anthropicHeaders,
	}
}

// NewBedrock builds a Bedrock config. The endpoint is the model ID.
func NewBedrock(modelID string) Config {
	if modelID == "" {
		modelID = DefaultBedrockModel
	}
	return Config{
		Name:      Bedrock,
		Endpoint:  modelID,
		Model:     modelID,
		Transport: transport.KindBedrock,
		Payload:   messagesPayload(bedrockAnthropicVersion),
		Headers:   traceHeaders,
	}
}

func openAIPayload(model, query string) any {
	return openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
	}
}

type messagesRequest struct {
	AnthropicVersion string           `json:"anthropic_version,omitempty"`
	Model            string           `json:"model,omitempty"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []messageContent `json:"messages"`
}

type messageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesPayload serves both Claude and Bedrock: Bedrock names the model in
// the URL and wants anthropic_version in the body instead.
func messagesPayload(version string) PayloadBuilder {
	return func(model, query string) any {
		req := messagesRequest{
			AnthropicVersion: version,
			MaxTokens:        defaultMaxTokens,
			Messages:         []messageContent{{Role: "user", Content: query}},
		}
		if version == "" {
			req.Model = model
		}
		return req
	}
}

func bearerHeaders(apiKey, traceID string) map[string]string {
	h := traceHeaders(apiKey, traceID)
	h["Authorization"] = "Bearer " + apiKey
	return h
}

func anthropicHeaders(apiKey, traceID string) map[string]string {
	h := traceHeaders(apiKey, traceID)
	h["x-api-key"] = apiKey
	h["anthropic-version"] = anthropicVersion
	return h
}

func traceHeaders(_, traceID string) map[string]string {
	h := map[string]string{}
	if traceID != "" {
		h["X-Trace-ID"] = traceID
	}
	return h
}
