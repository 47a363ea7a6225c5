// Package session は署名付きCookieによるセッションのライフサイクル管理を提供する。
// セッションはサーバー側に保存されず、アクセストークンとリフレッシュトークンの
// ペアを署名付きCookieとしてクライアントに保持させる。
package session

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/authgate/internal/model"
)

// DefaultCookieName はセッションCookieの名前。
const DefaultCookieName = "__authSession"

// CodecConfig はCookieコーデックの設定。
type CodecConfig struct {
	// Secret は署名に使用するサーバーシークレット。
	Secret []byte
	// CookieName は省略時にDefaultCookieNameが使われる。
	CookieName string
	// MaxAge はCookieの有効期間（秒）。コミットのたびに延長される。
	MaxAge int
	// Secure は本番環境（https）でtrueにする。
	Secure bool
	// Domain は省略可能なCookieドメイン。
	Domain string
}

// Codec はセッションレコードを署名付きCookie値との間で相互変換する。
// 署名検証に失敗したCookieは「セッションなし」として扱われ、エラーは伝播しない。
type Codec struct {
	config CodecConfig
	now    func() time.Time
}

// NewCodec はCodecを生成する。
func NewCodec(config CodecConfig) (*Codec, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("session secret is required")
	}
	if config.CookieName == "" {
		config.CookieName = DefaultCookieName
	}
	if config.MaxAge <= 0 {
		return nil, fmt.Errorf("session max age must be positive")
	}
	return &Codec{
		config: config,
		now:    time.Now,
	}, nil
}

// sessionClaims はCookieにシリアライズされるレコード。
// 永続フィールド（セッション本体）とフラッシュフィールドを1つのレコードに持つ。
// 永続フィールドは明示的に上書きされない限りコミットをまたいで保持され、
// フラッシュフィールドは次の1回の読み取りで消費される。
type sessionClaims struct {
	UserID       string `json:"uid,omitempty"`
	Email        string `json:"email,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	Flash        string `json:"flash,omitempty"`
	jwt.RegisteredClaims
}

// Encode はセッションとフラッシュエラーをCookie値にシリアライズする。
// sessionはnilでもよい（セッションをクリアした上でフラッシュだけを運ぶ場合）。
func (c *Codec) Encode(session *model.AuthSession, flash string) (string, error) {
	claims := &sessionClaims{
		Flash: flash,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(c.now()),
			ExpiresAt: jwt.NewNumericDate(c.now().Add(time.Duration(c.config.MaxAge) * time.Second)),
		},
	}
	if session != nil {
		claims.UserID = session.UserID
		claims.Email = session.Email
		claims.AccessToken = session.AccessToken
		claims.RefreshToken = session.RefreshToken
		claims.ExpiresAt = session.ExpiresAt
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.config.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session cookie: %w", err)
	}

	return signed, nil
}

// Decode はCookie値からセッションとフラッシュエラーを復元する。
// 署名が無効、形式が不正、またはフィールドが欠けている場合、セッションはnilになる。
// 呼び出し元にエラーは返さない。
func (c *Codec) Decode(value string) (*model.AuthSession, string) {
	if value == "" {
		return nil, ""
	}

	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (any, error) {
		return c.config.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ""
	}

	session := &model.AuthSession{
		UserID:       claims.UserID,
		Email:        claims.Email,
		AccessToken:  claims.AccessToken,
		RefreshToken: claims.RefreshToken,
		ExpiresAt:    claims.ExpiresAt,
	}

	// 全フィールドが揃っていないセッションは存在しないものとして扱う
	if !session.IsComplete() {
		return nil, claims.Flash
	}

	return session, claims.Flash
}

// ReadRequest はリクエストのCookieからセッションとフラッシュエラーを読み取る。
func (c *Codec) ReadRequest(r *http.Request) (*model.AuthSession, string) {
	cookie, err := r.Cookie(c.config.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, ""
	}
	return c.Decode(cookie.Value)
}

// NewCookie はコミット用のSet-Cookie値を構築する。
func (c *Codec) NewCookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     c.config.CookieName,
		Value:    value,
		Path:     "/",
		Domain:   c.config.Domain,
		MaxAge:   c.config.MaxAge,
		HttpOnly: true,
		Secure:   c.config.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie はCookieストア全体を破棄するSet-Cookie値を構築する。
func (c *Codec) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     c.config.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   c.config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.config.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
