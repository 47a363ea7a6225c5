// Package user はユーザーアカウント管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authgate/internal/idp"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// AccountProvider はアカウント作成サーガが必要とするプロバイダー操作のインターフェース。
// idp.Clientの部分集合として定義する。
type AccountProvider interface {
	CreateAccount(ctx context.Context, email, password string) (*idp.Account, error)
	DeleteAccount(ctx context.Context, id string) error
	SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error)
}

// MetricsRecorder はアカウント作成結果のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordAccountCreated()
	RecordAccountRollback(stage string)
}

// Service はユーザーアカウント管理のサービス層。
// プロバイダー（アイデンティティ）とデータストア（プロフィール行）にまたがる
// アカウント作成を、部分的な失敗時の補償削除付きで調停する。
type Service struct {
	provider AccountProvider
	userRepo repository.UserRepository
	metrics  MetricsRecorder
}

// NewService はServiceの新しいインスタンスを生成する。
// metricsはnilでもよい。
func NewService(provider AccountProvider, userRepo repository.UserRepository, metrics MetricsRecorder) *Service {
	return &Service{
		provider: provider,
		userRepo: userRepo,
		metrics:  metrics,
	}
}

// CreateUserAccount はアカウント作成の3ステップサーガを実行する。
//
//  1. プロバイダーにアカウントを作成する。失敗したら中断。
//  2. サインインして最初のセッションを取得する。失敗したらステップ1の
//     アカウントを削除してロールバックする。
//  3. セッションのuserIdをキーにユーザー行を永続化する。失敗（一意制約違反を
//     含む）したら、やはりアカウントを削除してロールバックする。
//
// 不変条件: 3ステップすべてが成功して呼び出し元が使用可能なセッションを得るか、
// システムが呼び出し前と完全に同じ状態に戻るかのどちらか。孤児となった
// アイデンティティアカウントを残してはならず、同じメールアドレスで最初から
// やり直せること。
func (s *Service) CreateUserAccount(ctx context.Context, email, password string) (*model.AuthSession, error) {
	email = model.NormalizeEmail(email)

	// 1. プロバイダーにアカウントを作成
	account, err := s.provider.CreateAccount(ctx, email, password)
	if err != nil {
		slog.Warn("account creation failed at provider",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to create auth account: %w", err)
	}

	// 2. サインインして最初のセッションを取得
	authSession, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		s.rollback(ctx, account.ID, "sign-in")
		return nil, fmt.Errorf("failed to obtain first session: %w", err)
	}

	// 3. ユーザー行を永続化
	if err := s.tryCreateUser(ctx, authSession); err != nil {
		s.rollback(ctx, account.ID, "persist")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordAccountCreated()
	}
	slog.Info("user account created",
		slog.String("user_id", authSession.UserID),
	)

	return authSession, nil
}

// tryCreateUser はセッションのuserIdとemailでユーザー行を作成する。
func (s *Service) tryCreateUser(ctx context.Context, authSession *model.AuthSession) error {
	now := time.Now()
	user := &model.User{
		ID:        authSession.UserID,
		Email:     model.NormalizeEmail(authSession.Email),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		return fmt.Errorf("failed to persist user: %w", err)
	}

	return nil
}

// rollback はそれまでのステップで作成されたプロバイダーアカウントを補償削除する。
// 補償自体の失敗は記録するだけでリトライしない。プロバイダー側が未使用の
// アカウントを独自に失効させるため、孤児リスクは許容された既知の制限とする。
func (s *Service) rollback(ctx context.Context, accountID, stage string) {
	if s.metrics != nil {
		s.metrics.RecordAccountRollback(stage)
	}

	if err := s.provider.DeleteAccount(ctx, accountID); err != nil {
		slog.Error("failed to roll back auth account",
			slog.String("account_id", accountID),
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
		return
	}

	slog.Info("rolled back auth account",
		slog.String("account_id", accountID),
		slog.String("stage", stage),
	)
}

// DeleteUserAccount はユーザーアカウントを完全に削除する。
// データストアの行を先に削除し、その後プロバイダーのアカウントを削除する。
// 行削除後にプロバイダー削除が失敗した場合、アイデンティティアカウントが
// 残るが、対応する行がないためログインしてもセッションは役に立たない。
// rollbackと同じく、未使用アカウントのプロバイダー側失効に委ねる。
func (s *Service) DeleteUserAccount(ctx context.Context, id string) error {
	if err := s.userRepo.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	if err := s.provider.DeleteAccount(ctx, id); err != nil {
		slog.Error("failed to delete auth account",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to delete auth account: %w", err)
	}

	slog.Info("user account deleted",
		slog.String("user_id", id),
	)

	return nil
}

// GetUserByEmail はメールアドレスでユーザーを検索する。
// 検索前にメールアドレスは小文字に正規化され、ルックアップは大文字小文字を区別しない。
// 見つからない場合はnilを返す。
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.userRepo.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// GetUserByID はIDでユーザーを検索する。見つからない場合はnilを返す。
func (s *Service) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}
