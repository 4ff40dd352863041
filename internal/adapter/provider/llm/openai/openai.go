package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/provider"
)

// Config OpenAI 兼容 API 配置
type Config struct {
	APIKey                     string `json:"api_key"`
	BaseURL                    string `json:"base_url"` // 默认 https://api.openai.com/v1
	ConnectTimeoutSeconds      int    `json:"connect_timeout_seconds"`
	TLSHandshakeTimeoutSeconds int    `json:"tls_handshake_timeout_seconds"`
}

// Provider OpenAI 兼容的 LLM Provider
// 支持所有 OpenAI API 兼容服务（OpenAI, Azure, DeepSeek, Ollama 等）
type Provider struct {
	config Config
	client *http.Client
}

// New 创建 OpenAI 兼容 Provider
func New(config Config) *Provider {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	connectTimeout := time.Duration(config.ConnectTimeoutSeconds) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	tlsHandshakeTimeout := time.Duration(config.TLSHandshakeTimeoutSeconds) * time.Second
	if tlsHandshakeTimeout <= 0 {
		tlsHandshakeTimeout = 30 * time.Second
	}

	// 不设置 http.Client.Timeout：请求生命周期完全由 ctx 控制（调用方超时 / 客户端断开）。
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = tlsHandshakeTimeout

	return &Provider{
		config: config,
		client: &http.Client{Transport: transport},
	}
}

func (p *Provider) Name() string {
	return "openai"
}

// -- 内部 API 请求/响应结构 --

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID                string      `json:"id"`
	Created           int64       `json:"created"`
	Choices           []apiChoice `json:"choices"`
	Usage             apiUsage    `json:"usage"`
	Model             string      `json:"model"`
	SystemFingerprint string      `json:"system_fingerprint"`
}

type apiChoice struct {
	Message      apiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
	Delta        apiMessage `json:"delta"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// maxErrorBody 错误响应体最多保留的字节数（仅用于日志）
const maxErrorBody = 512

// Complete 非流式补全
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	resp, err := p.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, p.upstream(provider.UpstreamBadResponse, 0, "", fmt.Errorf("failed to decode response: %w", err))
	}
	if len(apiResp.Choices) == 0 {
		return nil, p.upstream(provider.UpstreamBadResponse, 0, "no choices in response", nil)
	}

	choice := apiResp.Choices[0]
	role := provider.Role(choice.Message.Role)
	if !role.Valid() {
		role = provider.RoleAssistant
	}
	return &provider.CompletionResponse{
		ID:           apiResp.ID,
		Created:      apiResp.Created,
		Message:      provider.Message{Role: role, Content: choice.Message.Content},
		Model:        apiResp.Model,
		FinishReason: choice.FinishReason,
		Usage: provider.Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
	}, nil
}

// StreamComplete 流式补全
func (p *Provider) StreamComplete(ctx context.Context, req *provider.CompletionRequest) (<-chan provider.CompletionChunk, <-chan error) {
	chunkCh := make(chan provider.CompletionChunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(chunkCh)

		resp, err := p.do(ctx, req, true)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()

		// 解析 SSE 流
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var streamResp apiResponse
			if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
				continue
			}
			if len(streamResp.Choices) == 0 {
				continue
			}

			choice := streamResp.Choices[0]
			chunk := provider.CompletionChunk{
				ID:                streamResp.ID,
				Created:           streamResp.Created,
				Model:             streamResp.Model,
				SystemFingerprint: streamResp.SystemFingerprint,
				Role:              provider.Role(choice.Delta.Role),
				Delta:             choice.Delta.Content,
				FinishReason:      choice.FinishReason,
			}
			select {
			case chunkCh <- chunk:
			case <-ctx.Done():
				errCh <- p.upstream(provider.KindFromError(ctx.Err()), 0, "", ctx.Err())
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errCh <- p.upstream(provider.KindFromError(err), 0, "", fmt.Errorf("stream read error: %w", err))
		}
	}()

	return chunkCh, errCh
}

// do 发送请求；非 200 状态统一转换为 UpstreamError
func (p *Provider) do(ctx context.Context, req *provider.CompletionRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(p.buildAPIRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.upstream(provider.KindFromError(err), 0, "", fmt.Errorf("request failed: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, p.upstream(provider.KindFromStatus(resp.StatusCode), resp.StatusCode, strings.TrimSpace(string(respBody)), nil)
	}
	return resp, nil
}

func (p *Provider) upstream(kind provider.UpstreamKind, status int, body string, cause error) *provider.UpstreamError {
	return &provider.UpstreamError{
		Provider:   p.Name(),
		Kind:       kind,
		StatusCode: status,
		Body:       body,
		Cause:      cause,
	}
}

func (p *Provider) buildAPIRequest(req *provider.CompletionRequest, stream bool) apiRequest {
	messages := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = apiMessage{Role: string(m.Role), Content: m.Content}
	}

	apiReq := apiRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		apiReq.Temperature = &t
	}
	if req.MaxTokens > 0 {
		m := req.MaxTokens
		apiReq.MaxTokens = &m
	}
	return apiReq
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
}
