package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError 服务端返回的错误响应
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

// Interview REST 接口返回的面试信息
type Interview struct {
	ID                string `json:"interview_id"`
	Status            string `json:"status"`
	Strikes           int    `json:"strikes"`
	MaxStrikes        int    `json:"max_strikes"`
	TerminationReason string `json:"termination_reason,omitempty"`
}

// APIClient 面试生命周期 REST 接口客户端
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient baseURL 形如 http://localhost:8080
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SessionURL 面试会话的 WebSocket 地址
func (a *APIClient) SessionURL(interviewID string) string {
	u := a.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/interview/" + interviewID
}

// CreateInterview 创建并开始面试
func (a *APIClient) CreateInterview(ctx context.Context, resumeID, experienceLevel string) (*Interview, error) {
	var iv Interview
	err := a.do(ctx, http.MethodPost, "/api/v1/interviews", map[string]string{
		"resume_id":        resumeID,
		"experience_level": experienceLevel,
	}, &iv)
	if err != nil {
		return nil, err
	}
	return &iv, nil
}

// GetInterview 查询面试状态
func (a *APIClient) GetInterview(ctx context.Context, id string) (*Interview, error) {
	var iv Interview
	if err := a.do(ctx, http.MethodGet, "/api/v1/interviews/"+id, nil, &iv); err != nil {
		return nil, err
	}
	return &iv, nil
}

func (a *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request failed: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("read response failed: %w", err)
	}
	if !env.Success || resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}
