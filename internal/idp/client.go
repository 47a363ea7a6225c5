// Package idp はリモートアイデンティティプロバイダーのREST APIアダプターを提供する。
// アカウントの作成・削除、パスワードサインイン、トークンの検証・リフレッシュ等、
// 認証に関する操作はすべてこのパッケージを経由して単一のHTTPラウンドトリップで行う。
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// Config はプロバイダークライアントの設定。
type Config struct {
	// BaseURL はプロバイダーAPIのベースURL。
	BaseURL string
	// APIKey はリクエストに付与するAPIキー。
	// 管理クライアントではサービスロールキー、ユーザークライアントでは匿名キーを指定する。
	APIKey string
	// HTTPClient は省略時にhttp.DefaultClient相当のタイムアウト付きクライアントが使われる。
	HTTPClient *http.Client
	// Logger は省略時にslog.Default()が使われる。
	Logger *slog.Logger
}

// Client はアイデンティティプロバイダーAPIのクライアント。
// 状態を持たず、各メソッドは単一のラウンドトリップで完結する。
type Client struct {
	baseURL     string
	apiKey      string
	bearerToken string
	httpClient  *http.Client
	logger      *slog.Logger
}

// Account はプロバイダー側のアカウントを表す。
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// NewAdminClient はサーバー側の特権操作用クライアントを生成する。
// アカウントの作成・削除・パスワード更新など、すべてのサーバー側変更操作に使用する。
func NewAdminClient(cfg Config) *Client {
	return newClient(cfg, cfg.APIKey)
}

// NewUserClient は単一エンドユーザーのアクセストークンにスコープされたクライアントを生成する。
// リクエストごとに新しく構築すること。並行するリクエスト間でインスタンスを共有すると、
// 別ユーザーのリクエストにこのユーザーのトークンが付与される危険がある。
func NewUserClient(cfg Config, accessToken string) *Client {
	return newClient(cfg, accessToken)
}

func newClient(cfg Config, bearerToken string) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		bearerToken: bearerToken,
		httpClient:  httpClient,
		logger:      logger,
	}
}

// CreateAccount はプロバイダーにアカウントを作成する。
// プロバイダーが成功を報告してもアカウントが返されない場合はエラーとして扱う。
func (c *Client) CreateAccount(ctx context.Context, email, password string) (*Account, error) {
	body := map[string]any{
		"email":         model.NormalizeEmail(email),
		"password":      password,
		"email_confirm": true,
	}

	var account Account
	if err := c.doJSON(ctx, http.MethodPost, "/admin/users", body, c.bearerToken, &account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	if account.ID == "" {
		return nil, fmt.Errorf("provider returned no account for create")
	}

	return &account, nil
}

// DeleteAccount はプロバイダーのアカウントを削除する。
func (c *Client) DeleteAccount(ctx context.Context, id string) error {
	path := "/admin/users/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, c.bearerToken, nil); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// SignInWithPassword はメールアドレスとパスワードでサインインし、最初のセッションを取得する。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error) {
	body := map[string]any{
		"email":    model.NormalizeEmail(email),
		"password": password,
	}

	var resp tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/token?grant_type=password", body, c.bearerToken, &resp); err != nil {
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}

	return mapAuthSession(&resp)
}

// VerifyAccessToken はアクセストークンの有効性をプロバイダーに問い合わせる。
// トークンが無効な場合はエラーを返す。
func (c *Client) VerifyAccessToken(ctx context.Context, accessToken string) (*Account, error) {
	var account Account
	if err := c.doJSON(ctx, http.MethodGet, "/user", nil, accessToken, &account); err != nil {
		return nil, fmt.Errorf("failed to verify access token: %w", err)
	}
	if account.ID == "" {
		return nil, fmt.Errorf("provider returned no account for token")
	}

	return &account, nil
}

// GetAccount はクライアントにスコープされたトークン自身のアカウントを取得する。
// リクエストごとに構築したユーザークライアントから呼び出すこと。
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	return c.VerifyAccessToken(ctx, c.bearerToken)
}

// RefreshSession はリフレッシュトークンで新しいセッションを取得する。
// リフレッシュトークン自体もローテーションされる。
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*model.AuthSession, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	body := map[string]any{
		"refresh_token": refreshToken,
	}

	var resp tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/token?grant_type=refresh_token", body, c.bearerToken, &resp); err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}

	return mapAuthSession(&resp)
}

// SendMagicLink はワンタイムログインリンクをメールで送信する。
func (c *Client) SendMagicLink(ctx context.Context, email, redirectTo string) error {
	body := map[string]any{
		"email":       model.NormalizeEmail(email),
		"create_user": false,
		"redirect_to": redirectTo,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/magiclink", body, c.bearerToken, nil); err != nil {
		return fmt.Errorf("failed to send magic link: %w", err)
	}
	return nil
}

// SendPasswordReset はパスワードリセットリンクをメールで送信する。
func (c *Client) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	body := map[string]any{
		"email":       model.NormalizeEmail(email),
		"redirect_to": redirectTo,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/recover", body, c.bearerToken, nil); err != nil {
		return fmt.Errorf("failed to send password reset: %w", err)
	}
	return nil
}

// UpdatePassword は指定アカウントのパスワードを更新する。
func (c *Client) UpdatePassword(ctx context.Context, id, password string) (*Account, error) {
	path := "/admin/users/" + url.PathEscape(id)
	body := map[string]any{
		"password": password,
	}

	var account Account
	if err := c.doJSON(ctx, http.MethodPut, path, body, c.bearerToken, &account); err != nil {
		return nil, fmt.Errorf("failed to update password: %w", err)
	}
	if account.ID == "" {
		return nil, fmt.Errorf("provider returned no account for password update")
	}

	return &account, nil
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    int64   `json:"expires_in"`
	ExpiresAt    int64   `json:"expires_at"`
	User         Account `json:"user"`
}

// mapAuthSession はトークンレスポンスをAuthSessionに変換する。
// expires_atを省略しexpires_inのみを返すプロバイダーのために、欠けている場合は
// 現在時刻から有効期限を導出する。
// いずれかのフィールドが欠けている場合は部分的なセッションを返さず、エラーとする。
func mapAuthSession(resp *tokenResponse) (*model.AuthSession, error) {
	expiresAt := resp.ExpiresAt
	if expiresAt == 0 && resp.ExpiresIn > 0 {
		expiresAt = time.Now().Unix() + resp.ExpiresIn
	}

	session := &model.AuthSession{
		UserID:       resp.User.ID,
		Email:        model.NormalizeEmail(resp.User.Email),
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt,
	}

	if !session.IsComplete() {
		return nil, fmt.Errorf("provider returned incomplete session")
	}

	return session, nil
}

// doJSON はJSONリクエストを実行し、2xx以外のステータスをエラーに変換する。
// outがnilでない場合はレスポンスボディをJSONデコードする。
// リトライは行わない。レート制限や5xxも即時失敗として呼び出し元に返す。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, bearerToken string, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("auth provider request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("auth provider returned error status",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("auth provider returned status %d", resp.StatusCode)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response body: %w", err)
		}
	}

	return nil
}
