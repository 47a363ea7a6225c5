package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
)

const (
	// csrfCookieName はCSRFトークンを保持するCookieの名前。
	// JSONクライアントがJavaScriptで読み取れるよう、HttpOnlyではない。
	csrfCookieName = "csrf_token"

	// csrfHeaderName はリクエストヘッダーからCSRFトークンを読み取る際のヘッダー名。
	// JSONクライアント向け。
	csrfHeaderName = "X-CSRF-Token"

	// csrfFormField はフォームボディからCSRFトークンを読み取る際のフィールド名。
	// サーバーレンダリングされたHTMLフォームはJavaScriptなしでPOSTするため、
	// hiddenフィールドでトークンを送信する。
	csrfFormField = "csrf_token"
)

type csrfContextKey struct{}

// CSRFTokenFromContext はミドルウェアが検証・発行したCSRFトークンを返す。
// フォームをレンダリングするハンドラーがhiddenフィールドに埋め込むために使う。
// ミドルウェアを通過していない場合は空文字を返す。
func CSRFTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(csrfContextKey{}).(string)
	return token
}

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewCSRFMiddleware はCSRFトークンの生成・検証ミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）はトークン検証をスキップし、
// CSRFトークンCookieを設定した上でトークンをコンテキストに載せる。
// 状態変更メソッド（POST, PUT, PATCH, DELETE）はトークン検証を必須とする。
// トークンはX-CSRF-Tokenヘッダー（JSONクライアント）またはcsrf_token
// フォームフィールド（サーバーレンダリングされたフォーム）のどちらで
// 提出してもよい。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 安全なメソッドはトークン検証をスキップ
			if isSafeMethod(r.Method) {
				token := ensureCSRFCookie(w, r, config)
				next.ServeHTTP(w, requestWithCSRFToken(r, token))
				return
			}

			// 状態変更メソッド: CSRFトークンを検証
			cookieToken, err := r.Cookie(csrfCookieName)
			if err != nil || cookieToken.Value == "" {
				slog.Warn("CSRF validation failed: missing cookie token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "CSRF token validation failed", http.StatusForbidden)
				return
			}

			submittedToken := r.Header.Get(csrfHeaderName)
			if submittedToken == "" {
				submittedToken = r.PostFormValue(csrfFormField)
			}
			if submittedToken == "" {
				slog.Warn("CSRF validation failed: no token in header or form",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "CSRF token validation failed", http.StatusForbidden)
				return
			}

			if cookieToken.Value != submittedToken {
				slog.Warn("CSRF validation failed: token mismatch",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "CSRF token validation failed", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, requestWithCSRFToken(r, cookieToken.Value))
		})
	}
}

// NewCSRFTokenHandler はCSRFトークン取得エンドポイントのハンドラーを返す。
// GET /api/csrf-token
// HTMLフォームはテンプレートに埋め込まれたトークンを使うため、この
// エンドポイントはJSONクライアント専用。
// 既存のCSRFトークンCookieがある場合はそれを返し、なければ新規生成する。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string

		// 既存のCSRFトークンCookieを確認
		cookie, err := r.Cookie(csrfCookieName)
		if err == nil && cookie.Value != "" {
			token = cookie.Value
		} else {
			// 新規トークンを生成
			token, err = generateCSRFToken()
			if err != nil {
				slog.Error("failed to generate CSRF token", slog.String("error", err.Error()))
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}

			http.SetCookie(w, newCSRFCookie(token, config))
		}

		// JSONでトークンを返す
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"token": token,
		})
	})
}

// requestWithCSRFToken はトークンをコンテキストに載せたリクエストを返す。
func requestWithCSRFToken(r *http.Request, token string) *http.Request {
	if token == "" {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), csrfContextKey{}, token))
}

// ensureCSRFCookie はCSRFトークンCookieが未設定の場合に設定し、
// このリクエストで有効なトークンを返す。
func ensureCSRFCookie(w http.ResponseWriter, r *http.Request, config CSRFConfig) string {
	cookie, err := r.Cookie(csrfCookieName)
	if err == nil && cookie.Value != "" {
		// 既にCookieが設定されている
		return cookie.Value
	}

	token, err := generateCSRFToken()
	if err != nil {
		slog.Error("failed to generate CSRF token", slog.String("error", err.Error()))
		return ""
	}

	http.SetCookie(w, newCSRFCookie(token, config))
	return token
}

// newCSRFCookie はCSRFトークンのCookieを生成する。
func newCSRFCookie(token string, config CSRFConfig) *http.Cookie {
	return &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   86400, // 24時間
		HttpOnly: false, // クライアントから読み取り可能
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// isSafeMethod はボディを変更しない安全・冪等なメソッドかを返す。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// generateCSRFToken は暗号的に安全なCSRFトークンを生成する。
func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
