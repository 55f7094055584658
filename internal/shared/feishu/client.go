package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// 飞书开放平台API基础地址
const defaultBaseURL = "https://open.feishu.cn"

// 令牌失效、限流相关的飞书错误码
const (
	codeTokenInvalid    = 99991663
	codeAppTokenInvalid = 99991664
	codeRateLimited     = 99991400
)

// APIError 飞书返回的业务错误或非2xx响应
type APIError struct {
	Path   string
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("飞书API HTTP %d (path=%s)", e.Status, e.Path)
	}
	return fmt.Sprintf("飞书API错误[%d]: %s (path=%s)", e.Code, e.Msg, e.Path)
}

// Temporary 限流或服务端错误，可稍后重试
func (e *APIError) Temporary() bool {
	return e.Code == codeRateLimited || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func (e *APIError) tokenExpired() bool {
	return e.Code == codeTokenInvalid || e.Code == codeAppTokenInvalid
}

// FeishuClient 飞书API基础客户端。
// 令牌被飞书判定失效时丢弃缓存重取一次；限流和5xx按 backoff 重试 maxAttempts 次。
type FeishuClient struct {
	appID       string
	appSecret   string
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	backoff     time.Duration

	mu          sync.Mutex
	tokenCache  string
	tokenExpire time.Time
}

// NewClient 创建飞书客户端实例
func NewClient(appID, appSecret string) *FeishuClient {
	return &FeishuClient{
		appID:       appID,
		appSecret:   appSecret,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
	}
}

// WithBaseURL 替换开放平台地址（私有化部署、测试）
func (c *FeishuClient) WithBaseURL(u string) *FeishuClient {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

// WithRetry 调整临时错误的重试次数和间隔，attempts 含首次请求
func (c *FeishuClient) WithRetry(attempts int, backoff time.Duration) *FeishuClient {
	if attempts < 1 {
		attempts = 1
	}
	c.maxAttempts = attempts
	c.backoff = backoff
	return c
}

// GetAppAccessToken 获取应用访问令牌（自建应用），提前60秒刷新
func (c *FeishuClient) GetAppAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenCache != "" && time.Now().Before(c.tokenExpire) {
		return c.tokenCache, nil
	}

	var result struct {
		BaseResponse
		AppAccessToken string `json:"app_access_token"`
		Expire         int    `json:"expire"` // 秒
	}
	body := map[string]string{"app_id": c.appID, "app_secret": c.appSecret}
	if err := c.send(ctx, http.MethodPost, "/open-apis/auth/v3/app_access_token/internal", "", body, &result); err != nil {
		return "", fmt.Errorf("获取飞书token失败: %w", err)
	}

	c.tokenCache = result.AppAccessToken
	c.tokenExpire = time.Now().Add(time.Duration(result.Expire-60) * time.Second)
	return c.tokenCache, nil
}

// invalidateToken 丢弃缓存，仅当缓存仍是 stale 时（其他请求可能已刷新）
func (c *FeishuClient) invalidateToken(stale string) {
	c.mu.Lock()
	if c.tokenCache == stale {
		c.tokenCache = ""
	}
	c.mu.Unlock()
}

// doRequest 执行带令牌的飞书API请求
func (c *FeishuClient) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	refreshed := false
	for attempt := 1; ; attempt++ {
		token, err := c.GetAppAccessToken(ctx)
		if err != nil {
			return err
		}
		err = c.send(ctx, method, path, token, body, result)
		var apiErr *APIError
		switch {
		case err == nil:
			return nil
		case !errors.As(err, &apiErr):
			return err
		case apiErr.tokenExpired() && !refreshed:
			c.invalidateToken(token)
			refreshed = true
			attempt--
			continue
		case !apiErr.Temporary() || attempt >= c.maxAttempts:
			return err
		}
		if err := wait(ctx, c.backoff*time.Duration(attempt)); err != nil {
			return err
		}
	}
}

// send 单次请求：非2xx或飞书 code 非0时返回 *APIError
func (c *FeishuClient) send(ctx context.Context, method, path, token string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	var base BaseResponse
	if jsonErr := json.Unmarshal(respBody, &base); jsonErr != nil || resp.StatusCode >= 300 {
		if resp.StatusCode < 300 {
			return fmt.Errorf("解析响应基础结构失败: %w", jsonErr)
		}
		return &APIError{Path: path, Status: resp.StatusCode, Code: base.Code, Msg: base.Msg}
	}
	if base.Code != 0 {
		return &APIError{Path: path, Status: resp.StatusCode, Code: base.Code, Msg: base.Msg}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("解析响应体失败: %w", err)
		}
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
