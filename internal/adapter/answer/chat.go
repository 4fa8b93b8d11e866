package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"time"

	"hybridrag/internal/domain"
)

const systemPrompt = `Answer the question using ONLY the provided context. Cite every chunk you rely on by its id in square brackets, e.g. [doc/s1/p2]. If the context does not answer the question, say so.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

var providers = map[string]struct {
	baseURL   string
	keyEnvVar string
}{
	"deepseek": {"https://api.deepseek.com/v1", "DEEPSEEK_API_KEY"},
	"openai":   {"https://api.openai.com/v1", "OPENAI_API_KEY"},
	"ollama":   {"http://localhost:11434/v1", ""},
}

var citationPattern = regexp.MustCompile(`\[([^\[\]\s]+)\]`)

// Chat synthesizes answers with an OpenAI-compatible chat completions API.
type Chat struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewChat builds a client for provider. baseURL overrides the provider's
// endpoint and apiKeyEnv its key variable; either may be empty.
func NewChat(provider, model, baseURL, apiKeyEnv string) (*Chat, error) {
	p, ok := providers[provider]
	if !ok && baseURL == "" {
		return nil, fmt.Errorf("unknown answer provider %q (set a base_url for custom endpoints)", provider)
	}
	if baseURL == "" {
		baseURL = p.baseURL
	}
	if apiKeyEnv == "" {
		apiKeyEnv = p.keyEnvVar
	}

	var apiKey string
	if apiKeyEnv != "" {
		apiKey = os.Getenv(apiKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("API key not found in environment variable: %s", apiKeyEnv)
		}
	}

	return &Chat{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Synthesize asks the model to answer from the rendered context. Only ids
// of returned results count as citations; an answer citing none of them is
// not grounded.
func (c *Chat) Synthesize(ctx context.Context, question string, result *domain.QueryResult) (domain.Answer, error) {
	if result == nil || len(result.Results) == 0 {
		return domain.Answer{Text: NoAnswer}, nil
	}

	prompt := fmt.Sprintf("Context:\n%s\nQuestion: %s", result.Context.Render(), question)
	text, err := c.chat(ctx, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return domain.Answer{}, err
	}

	known := make(map[string]struct{}, len(result.Results))
	for _, r := range result.Results {
		known[r.ChunkID] = struct{}{}
	}
	citations := []string{}
	seen := make(map[string]struct{})
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if _, ok := known[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		citations = append(citations, id)
	}

	return domain.Answer{
		Text:      text,
		Citations: citations,
		Grounded:  len(citations) > 0,
	}, nil
}

func (c *Chat) chat(ctx context.Context, messages []chatMessage) (string, error) {
	jsonData, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.2,
		MaxTokens:   1000,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", errors.New("no response from model")
	}
	return chatResp.Choices[0].Message.Content, nil
}
