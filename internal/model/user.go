// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// User はサービス利用ユーザーを表す。
// IDはアイデンティティプロバイダー側のアカウントIDと一致する。
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuthSession は認証済みセッションを表す値オブジェクト。
// サーバー側にセッションテーブルは持たず、署名付きCookieの中にのみ存在する。
// 全フィールドが揃っているか、セッション自体が存在しない（nil）かのどちらかであり、
// 部分的に欠けたセッションを生成してはならない。
type AuthSession struct {
	UserID       string
	Email        string // 小文字に正規化済み
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // アクセストークンの有効期限（epoch秒）
}

// IsComplete は全フィールドが揃っているかを返す。
// 揃っていないセッションは「セッションなし」として扱うこと。
func (s *AuthSession) IsComplete() bool {
	if s == nil {
		return false
	}
	return s.UserID != "" &&
		s.Email != "" &&
		s.AccessToken != "" &&
		s.RefreshToken != "" &&
		s.ExpiresAt > 0
}

// NormalizeEmail はメールアドレスを小文字に正規化する。
// 比較・保存の前に必ず適用し、大文字小文字を区別しないルックアップを保証する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
