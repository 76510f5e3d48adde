// Package api предоставляет клиент HTTP API сервера штамп-ралли.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/stamprally-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с сервером штамп-ралли.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для обращения к серверу по указанному адресу.
// Запросы повторяются при сетевых сбоях и ответах 5xx.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = &retryLogger{logger: logger.Sugar()}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

// retryLogger направляет служебные сообщения retryablehttp в zap.
type retryLogger struct {
	logger *zap.SugaredLogger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, keysAndValues...)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infow(msg, keysAndValues...)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnw(msg, keysAndValues...)
}

// FetchSeed возвращает сид тенанта: конфигурацию кампании, магазины и
// начальный прогресс.
func (c *Client) FetchSeed(ctx context.Context, tenantID string) (*model.TenantSeed, error) {
	var seed model.TenantSeed
	path := "/api/tenants/" + url.PathEscape(tenantID)
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, &seed); err != nil {
		return nil, err
	}
	return &seed, nil
}

// FetchProgress возвращает серверный прогресс участника.
func (c *Client) FetchProgress(ctx context.Context, token string) (*model.UserProgress, error) {
	var p model.UserProgress
	if err := c.doJSON(ctx, http.MethodGet, "/api/users/me/progress", token, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type stampRequest struct {
	StoreID string `json:"store_id"`
}

// RecordStamp запрашивает выдачу штампа за посещение магазина.
func (c *Client) RecordStamp(ctx context.Context, token, storeID string) (*model.StampResult, error) {
	var res model.StampResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/users/me/stamps", token, stampRequest{StoreID: storeID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UseCoupon помечает купон использованным.
func (c *Client) UseCoupon(ctx context.Context, token, couponID string) (*model.Coupon, error) {
	var coupon model.Coupon
	path := fmt.Sprintf("/api/users/me/coupons/%s/use", url.PathEscape(couponID))
	if err := c.doJSON(ctx, http.MethodPatch, path, token, nil, &coupon); err != nil {
		return nil, err
	}
	return &coupon, nil
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	TenantID   string `json:"tenant_id,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login выполняет вход участника и возвращает токен доступа.
func (c *Client) Login(ctx context.Context, identifier, password, tenantID string) (string, error) {
	req := loginRequest{Identifier: identifier, Password: password, TenantID: tenantID}
	var res tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", "", req, &res); err != nil {
		return "", err
	}
	return res.AccessToken, nil
}

type adminLoginRequest struct {
	TenantID string `json:"tenant_id"`
	Password string `json:"password"`
}

// AdminLogin выполняет вход администратора тенанта.
func (c *Client) AdminLogin(ctx context.Context, tenantID, password string) (*model.TenantSession, error) {
	req := adminLoginRequest{TenantID: tenantID, Password: password}
	var res model.TenantSession
	if err := c.doJSON(ctx, http.MethodPost, "/api/tenants/login", "", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError возвращает текст ответа сервера как есть: сообщения об ошибках
// показываются пользователю дословно.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return errors.New(msg)
}
