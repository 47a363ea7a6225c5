// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// authSessionContextKey はリクエストコンテキストに認証済みセッションを格納するためのキー。
var authSessionContextKey = contextKey("auth_session")

// SessionRequirer はセッションガードが必要とするライフサイクル操作のインターフェース。
// session.Managerの部分集合として定義する。
type SessionRequirer interface {
	RequireAuthSession(r *http.Request, opts session.Options) (*session.Outcome, error)
}

// NewSessionMiddleware は署名付きCookieのセッションを検証・リフレッシュする
// ミドルウェアを返す。
//
// セッションがない、またはリフレッシュに失敗したリクエストはフラッシュコード付きで
// ログインへリダイレクトされる。失効が近いセッションはここで透過的に
// リフレッシュされる: 安全なメソッドなら新しいCookieとともに元のURLへ
// リダイレクトし、変更系メソッドならローテート済みCookieをレスポンスヘッダーに
// 書き込んでからハンドラーへ委譲する。ヘッダーはボディより先に確定するため、
// この書き込みは委譲前に行う必要がある。
//
// 検証済みセッションはリクエストコンテキストに注入される。
func NewSessionMiddleware(requirer SessionRequirer, opts session.Options) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome, err := requirer.RequireAuthSession(r, opts)
			if err != nil {
				slog.Error("session requirement failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}

			if outcome.Aborted() {
				outcome.Redirect.Write(w, r)
				return
			}

			// 変更系リクエスト中にリフレッシュされた場合、ローテート済みCookieを
			// ここで確定する。
			if outcome.Cookie != nil {
				http.SetCookie(w, outcome.Cookie)
			}

			ctx := ContextWithAuthSession(r.Context(), outcome.Session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthSessionFromContext はリクエストコンテキストから認証済みセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func AuthSessionFromContext(ctx context.Context) (*model.AuthSession, error) {
	authSession, ok := ctx.Value(authSessionContextKey).(*model.AuthSession)
	if !ok || authSession == nil {
		return nil, fmt.Errorf("auth session not found in context")
	}
	return authSession, nil
}

// ContextWithAuthSession はコンテキストに認証済みセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithAuthSession(ctx context.Context, authSession *model.AuthSession) context.Context {
	return context.WithValue(ctx, authSessionContextKey, authSession)
}
