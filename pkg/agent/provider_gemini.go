package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider implements Model for Google Gemini
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey, baseURL string) (*GeminiProvider, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Generate makes an API call to Gemini
func (p *GeminiProvider) Generate(ctx context.Context, request Request) (*Response, error) {
	model := request.Model
	if model == "" {
		model = defaultGeminiModel
	}

	contents, err := geminiContents(request.Messages)
	if err != nil {
		return nil, err
	}
	config := &genai.GenerateContentConfig{}
	if request.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: request.SystemPrompt}},
			Role:  "user",
		}
	}
	if request.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(request.Temperature))
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	}
	if len(request.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(request.Tools))
		for _, tool := range request.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  geminiSchema(tool.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	genResp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}
	if len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	resp := &Response{}
	if genResp.UsageMetadata != nil {
		resp.Usage = &TokenUsage{
			InputTokens:  int(genResp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
		}
	}
	candidate := genResp.Candidates[0]
	if candidate.Content == nil {
		return resp, nil
	}
	for _, part := range candidate.Content.Parts {
		if part.Text != "" && !part.Thought {
			resp.Text += part.Text
		}
		if part.FunctionCall == nil {
			continue
		}
		args, err := json.Marshal(part.FunctionCall.Args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode arguments for %s: %w", part.FunctionCall.Name, err)
		}
		id := part.FunctionCall.ID
		if id == "" {
			id = "call_" + gonanoid.Must(12)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        id,
			Name:      part.FunctionCall.Name,
			Arguments: args,
		})
	}
	return resp, nil
}

func geminiContents(messages []Message) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, msg := range messages {
		var role string
		var parts []*genai.Part
		switch msg.Role {
		case MessageRoleUser:
			role = "user"
			parts = append(parts, &genai.Part{Text: msg.Content})
		case MessageRoleAssistant:
			role = "model"
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return nil, fmt.Errorf("failed to decode arguments for %s: %w", tc.Name, err)
					}
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
		case MessageRoleTool:
			role = "user"
			key := "output"
			if msg.IsError {
				key = "error"
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.ToolName,
					Response: map[string]any{key: msg.Content},
				},
			})
		default:
			continue
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

// geminiSchema converts a JSON schema map into genai's typed schema.
func geminiSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]interface{}); ok {
				s.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	s.Required = requiredNames(schema)
	if items, ok := schema["items"].(map[string]interface{}); ok {
		s.Items = geminiSchema(items)
	}
	switch enum := schema["enum"].(type) {
	case []string:
		s.Enum = enum
	case []interface{}:
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}
