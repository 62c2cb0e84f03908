package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type openaiCompatible struct {
	apiKey  string
	baseURL string
	model   string
}

type openaiRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Citations []string `json:"citations"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func newOpenAICompatible(apiKey, baseURL, model string) LLM {
	return &openaiCompatible{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
	}
}

func (o *openaiCompatible) Chat(ctx context.Context, systemPrompt string, messages []Message) (string, error) {
	resp, err := o.ChatWithTools(ctx, systemPrompt, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (o *openaiCompatible) ChatWithTools(ctx context.Context, systemPrompt string, messages []Message, tools []Tool) (*ChatResponse, error) {
	oaiResp, err := o.complete(ctx, systemPrompt, messages, tools)
	if err != nil {
		return nil, err
	}

	choice := oaiResp.Choices[0]

	result := &ChatResponse{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
	}

	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return result, nil
}

func (o *openaiCompatible) Search(ctx context.Context, query, instruction string) (*SearchResponse, error) {
	oaiResp, err := o.complete(ctx, instruction, []Message{{Role: "user", Content: query}}, nil)
	if err != nil {
		return nil, err
	}

	result := &SearchResponse{
		Text: oaiResp.Choices[0].Message.Content,
	}

	// Perplexity returns citations as a top-level URL list
	for _, url := range oaiResp.Citations {
		result.Sources = append(result.Sources, Source{URL: url})
	}

	return result, nil
}

func (o *openaiCompatible) complete(ctx context.Context, systemPrompt string, messages []Message, tools []Tool) (*openaiResponse, error) {
	var oaiMessages []openaiMessage

	if systemPrompt != "" {
		oaiMessages = append(oaiMessages, openaiMessage{Role: "system", Content: systemPrompt})
	}

	for _, msg := range messages {
		oaiMsg := openaiMessage{Role: msg.Role, Content: msg.Content, ToolCallID: msg.ToolCallID}

		for _, tc := range msg.ToolCalls {
			oaiTC := openaiToolCall{ID: tc.ID, Type: "function"}
			oaiTC.Function.Name = tc.Name
			oaiTC.Function.Arguments = tc.Arguments
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, oaiTC)
		}

		oaiMessages = append(oaiMessages, oaiMsg)
	}

	reqBody := openaiRequest{
		Model:    o.model,
		Messages: oaiMessages,
	}

	for _, t := range tools {
		reqBody.Tools = append(reqBody.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var oaiResp openaiResponse

	if err := json.Unmarshal(body, &oaiResp); err != nil {
		return nil, err
	}

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	if oaiResp.Error != nil {
		return nil, fmt.Errorf("api error: %s", oaiResp.Error.Message)
	}

	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &oaiResp, nil
}
