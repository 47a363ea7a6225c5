// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrEmailTaken はメールアドレスの一意制約違反を表す。
// リポジトリ層がpqのunique_violationをこのエラーに変換する。
// 呼び出し元は成功との区別だけができればよく、それ以上の分類はしない。
var ErrEmailTaken = errors.New("email is already taken")

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeAccountCreation    = "ACCOUNT_CREATION_FAILED"
	ErrCodeInvalidEmail       = "INVALID_EMAIL"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
)

// フラッシュエラーコード。ログインページに1回だけ表示される。
const (
	// FlashNoUserSession はセッションCookieが存在しない、または不完全だったことを示す。
	FlashNoUserSession = "no-user-session"
	// FlashRefreshFailed はリフレッシュトークンによるセッション更新に失敗したことを示す。
	FlashRefreshFailed = "fail-refresh-auth-session"
)

// NewInvalidCredentialsError は認証失敗エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "validation",
		Action:   "別のメールアドレスを使用するか、ログインしてください。",
	}
}

// NewAccountCreationError はアカウント作成失敗エラーを生成する。
func NewAccountCreationError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountCreation,
		Message:  "アカウントの作成に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidEmailError は無効なメールアドレスエラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "メールアドレスの形式が正しくありません。",
		Category: "validation",
		Action:   "正しいメールアドレスを入力してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証されていません。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
