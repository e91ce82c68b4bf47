package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

const defaultCopilotBaseURL = "https://api.individual.githubcopilot.com"

// CopilotClient relays request bodies to the Copilot completion API using
// a session token. Payload translation and streaming chunk mechanics live
// with the caller; this client moves bytes.
type CopilotClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewCopilotClient(baseURL string, httpClient *http.Client) *CopilotClient {
	c := &CopilotClient{baseURL: baseURL, httpClient: httpClient}
	if c.baseURL == "" {
		c.baseURL = defaultCopilotBaseURL
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c
}

// Forward posts body to path with the given session token and returns the
// response body. Non-2xx responses come back as *StatusError so the
// failover layer can classify them.
func (c *CopilotClient) Forward(ctx context.Context, sessionToken, path string, body []byte) ([]byte, error) {
	return c.relay(ctx, http.MethodPost, path, sessionToken, body)
}

// FetchModels retrieves the model catalog visible to the session token.
func (c *CopilotClient) FetchModels(ctx context.Context, sessionToken string) ([]byte, error) {
	return c.relay(ctx, http.MethodGet, "/models", sessionToken, nil)
}

func (c *CopilotClient) relay(ctx context.Context, method, path, sessionToken string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+sessionToken)
	req.Header.Set("Editor-Version", editorVersion)
	req.Header.Set("Editor-Plugin-Version", editorPluginVersion)
	req.Header.Set("Copilot-Integration-Id", "vscode-chat")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("forward %s: read response: %w", path, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
