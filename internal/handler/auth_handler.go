// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authgate/internal/idp"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
)

// SessionManagerInterface は認証ハンドラーが必要とするセッション操作のインターフェース。
// session.Managerの部分集合として定義する。
type SessionManagerInterface interface {
	GetAuthSession(r *http.Request) *model.AuthSession
	CreateAuthSession(w http.ResponseWriter, r *http.Request, authSession *model.AuthSession, redirectTo string) error
	DestroyAuthSession(w http.ResponseWriter, r *http.Request)
	PopFlashError(w http.ResponseWriter, r *http.Request) string
}

// AuthProviderInterface は認証ハンドラーが必要とするプロバイダー操作のインターフェース。
// 管理者クライアント（idp.NewAdminClient）で満たされる。
type AuthProviderInterface interface {
	SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error)
	SendMagicLink(ctx context.Context, email, redirectTo string) error
	SendPasswordReset(ctx context.Context, email, redirectTo string) error
	UpdatePassword(ctx context.Context, id, password string) (*idp.Account, error)
}

// AccountService はサインアップ・退会・ユーザー参照が必要とするアカウント操作の
// インターフェース。user.Serviceの部分集合として定義する。
type AccountService interface {
	CreateUserAccount(ctx context.Context, email, password string) (*model.AuthSession, error)
	DeleteUserAccount(ctx context.Context, id string) error
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// AccountGetter はアクセストークンにスコープされたアカウント参照のインターフェース。
type AccountGetter interface {
	GetAccount(ctx context.Context) (*idp.Account, error)
}

// UserClientFactory はリクエストごとにユーザースコープのプロバイダークライアントを
// 構築するファクトリ。クライアントはBearerトークンを内部に保持するため、
// リクエスト間で共有してはならない。
type UserClientFactory func(accessToken string) AccountGetter

// LoginMetricsRecorder はログイン試行結果のメトリクス記録インターフェース。
type LoginMetricsRecorder interface {
	RecordLogin(result string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL string
}

// AuthHandler はセッションライフサイクル関連のHTTPハンドラー。
type AuthHandler struct {
	sessions   SessionManagerInterface
	provider   AuthProviderInterface
	accounts   AccountService
	userClient UserClientFactory
	metrics    LoginMetricsRecorder
	config     AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。metricsはnilでもよい。
func NewAuthHandler(sessions SessionManagerInterface, provider AuthProviderInterface, accounts AccountService, userClient UserClientFactory, metrics LoginMetricsRecorder, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		sessions:   sessions,
		provider:   provider,
		accounts:   accounts,
		userClient: userClient,
		metrics:    metrics,
		config:     config,
	}
}

// flashMessages はフラッシュコードからユーザー向けメッセージへの対応表。
var flashMessages = map[string]string{
	model.FlashNoUserSession: "ログインが必要です。",
	model.FlashRefreshFailed: "セッションの有効期限が切れました。もう一度ログインしてください。",
}

var loginPageTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>ログイン</title></head>
<body>
{{if .Notice}}<p class="notice">{{.Notice}}</p>{{end}}
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/login">
  <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
  <input type="hidden" name="redirectTo" value="{{.RedirectTo}}">
  <label>メールアドレス <input type="email" name="email" value="{{.Email}}" required></label>
  <label>パスワード <input type="password" name="password" required></label>
  <button type="submit">ログイン</button>
</form>
<form method="post" action="/magic-link">
  <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
  <input type="hidden" name="redirectTo" value="{{.RedirectTo}}">
  <label>メールアドレス <input type="email" name="email"></label>
  <button type="submit">マジックリンクを送信</button>
</form>
</body>
</html>`))

type loginPageData struct {
	Notice     string
	Error      string
	Email      string
	RedirectTo string
	CSRFToken  string
}

// LoginPage はログインフォームを表示する。
// 直前のリダイレクトが残したフラッシュコードをここで1回だけ消費し、
// ユーザー向けメッセージとして表示する。
// GET /login?redirectTo=/xxx
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	flash := h.sessions.PopFlashError(w, r)

	data := loginPageData{
		Notice:     flashMessages[flash],
		RedirectTo: r.URL.Query().Get("redirectTo"),
	}

	h.renderLoginPage(w, r, http.StatusOK, data)
}

// Login はメールアドレスとパスワードでサインインし、セッションを確立する。
// 成功時はredirectTo（サニタイズ済み）へリダイレクトする。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	email := r.PostFormValue("email")
	password := r.PostFormValue("password")
	redirectTo := r.PostFormValue("redirectTo")

	if email == "" || password == "" {
		h.renderLoginPage(w, r, http.StatusBadRequest, loginPageData{
			Error:      "メールアドレスとパスワードを入力してください。",
			Email:      email,
			RedirectTo: redirectTo,
		})
		return
	}

	authSession, err := h.provider.SignInWithPassword(r.Context(), email, password)
	if err != nil {
		h.recordLogin("fail")
		slog.Warn("sign-in failed", slog.String("error", err.Error()))
		h.renderLoginPage(w, r, http.StatusUnauthorized, loginPageData{
			Error:      "メールアドレスまたはパスワードが正しくありません。",
			Email:      email,
			RedirectTo: redirectTo,
		})
		return
	}

	h.recordLogin("success")

	if err := h.sessions.CreateAuthSession(w, r, authSession, redirectTo); err != nil {
		slog.Error("failed to create auth session", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// Signup はアカウント作成サーガを実行し、成功時はセッションを確立する。
// POST /signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	email := r.PostFormValue("email")
	password := r.PostFormValue("password")
	redirectTo := r.PostFormValue("redirectTo")

	if email == "" || password == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidCredentialsError())
		return
	}

	// 既存ユーザーの場合はプロバイダーを呼ばずに拒否する
	existing, err := h.accounts.GetUserByEmail(r.Context(), email)
	if err != nil {
		slog.Error("failed to check existing user", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if existing != nil {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewEmailTakenError())
		return
	}

	authSession, err := h.accounts.CreateUserAccount(r.Context(), email, password)
	if err != nil {
		if errors.Is(err, model.ErrEmailTaken) {
			middleware.WriteErrorResponse(w, http.StatusConflict, model.NewEmailTakenError())
			return
		}
		slog.Error("signup failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewAccountCreationError())
		return
	}

	if err := h.sessions.CreateAuthSession(w, r, authSession, redirectTo); err != nil {
		slog.Error("failed to create auth session", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// Logout はセッションCookieを破棄し、サイトルートへリダイレクトする。
// プロバイダー側のトークン失効には依存しない。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.DestroyAuthSession(w, r)
}

// MagicLink はパスワードレスログイン用のマジックリンクを送信する。
// 宛先の存在有無を漏らさないため、プロバイダーの失敗以外は常に同じ応答を返す。
// POST /magic-link
func (h *AuthHandler) MagicLink(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	email := r.PostFormValue("email")
	if email == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidEmailError())
		return
	}

	if err := h.provider.SendMagicLink(r.Context(), email, h.config.BaseURL); err != nil {
		slog.Error("failed to send magic link", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "sent"})
}

// ResetPassword はパスワード再設定メールを送信する。
// POST /reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	email := r.PostFormValue("email")
	if email == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidEmailError())
		return
	}

	if err := h.provider.SendPasswordReset(r.Context(), email, h.config.BaseURL); err != nil {
		slog.Error("failed to send password reset", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "sent"})
}

// UpdatePassword は認証済みユーザーのパスワードを更新する。
// セッションミドルウェアの通過が前提。
// POST /update-password
func (h *AuthHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	authSession, err := middleware.AuthSessionFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	password := r.PostFormValue("password")
	if password == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidCredentialsError())
		return
	}

	if _, err := h.provider.UpdatePassword(r.Context(), authSession.UserID, password); err != nil {
		slog.Error("failed to update password",
			slog.String("user_id", authSession.UserID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
}

// Me は現在のログインユーザー情報を返す。
// ルーティング側でVerify付きのセッションミドルウェアを通した上で、さらに
// アクセストークンにスコープしたクライアントでプロバイダーに問い合わせ、
// データストアのユーザー行と突き合わせる。サインアップサーガを経ていれば
// 行は必ず存在するため、欠けている場合は404を返す。
// GET /me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	authSession, err := middleware.AuthSessionFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	// ユーザースコープのクライアントはリクエストごとに生成する
	client := h.userClient(authSession.AccessToken)
	account, err := client.GetAccount(r.Context())
	if err != nil {
		slog.Warn("failed to get account",
			slog.String("user_id", authSession.UserID),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.accounts.GetUserByID(r.Context(), account.ID)
	if err != nil {
		slog.Error("failed to get user",
			slog.String("user_id", account.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if user == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"id":         account.ID,
		"email":      account.Email,
		"created_at": user.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// DeleteAccount は認証済みユーザーのアカウントを削除し、セッションを破棄する。
// POST /delete-account
func (h *AuthHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	authSession, err := middleware.AuthSessionFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.accounts.DeleteUserAccount(r.Context(), authSession.UserID); err != nil {
		slog.Error("failed to delete user account",
			slog.String("user_id", authSession.UserID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	h.sessions.DestroyAuthSession(w, r)
}

// renderLoginPage はログインページをレンダリングする。
// CSRFミドルウェアがコンテキストに載せたトークンをhiddenフィールドに埋め込む。
func (h *AuthHandler) renderLoginPage(w http.ResponseWriter, r *http.Request, status int, data loginPageData) {
	data.CSRFToken = middleware.CSRFTokenFromContext(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginPageTemplate.Execute(w, data); err != nil {
		slog.Error("failed to render login page", slog.String("error", err.Error()))
	}
}

func (h *AuthHandler) recordLogin(result string) {
	if h.metrics != nil {
		h.metrics.RecordLogin(result)
	}
}
