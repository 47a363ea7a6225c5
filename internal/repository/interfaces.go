// Package repository はデータ永続化層を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/authgate/internal/model"
)

// UserRepository はユーザーの永続化インターフェース。
// セッションはCookieの中にのみ存在するため、永続化されるのはユーザー行のみ。
type UserRepository interface {
	// Create はユーザー行を作成する。
	// メールアドレスの一意制約違反の場合はmodel.ErrEmailTakenを返す。
	Create(ctx context.Context, user *model.User) error
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
	// FindByEmail は指定メールアドレスのユーザーを取得する。見つからない場合はnilを返す。
	// 検索前にメールアドレスは小文字に正規化される。
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	// DeleteByID は指定IDのユーザーを削除する。
	DeleteByID(ctx context.Context, id string) error
}
