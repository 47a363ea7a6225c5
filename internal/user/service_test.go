package user

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/idp"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// --- モック定義 ---

type mockProvider struct {
	createAccountFn func(ctx context.Context, email, password string) (*idp.Account, error)
	deleteAccountFn func(ctx context.Context, id string) error
	signInFn        func(ctx context.Context, email, password string) (*model.AuthSession, error)

	deletedIDs []string
}

func (m *mockProvider) CreateAccount(ctx context.Context, email, password string) (*idp.Account, error) {
	if m.createAccountFn != nil {
		return m.createAccountFn(ctx, email, password)
	}
	return &idp.Account{ID: "account-1", Email: email}, nil
}

func (m *mockProvider) DeleteAccount(ctx context.Context, id string) error {
	m.deletedIDs = append(m.deletedIDs, id)
	if m.deleteAccountFn != nil {
		return m.deleteAccountFn(ctx, id)
	}
	return nil
}

func (m *mockProvider) SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return &model.AuthSession{
		UserID:       "account-1",
		Email:        email,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Unix() + 3600,
	}, nil
}

type mockUserRepo struct {
	createFn      func(ctx context.Context, user *model.User) error
	findByEmailFn func(ctx context.Context, email string) (*model.User, error)
	findByIDFn    func(ctx context.Context, id string) (*model.User, error)
	deleteFn      func(ctx context.Context, id string) error

	created    []*model.User
	deletedIDs []string
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		if err := m.createFn(ctx, user); err != nil {
			return err
		}
	}
	m.created = append(m.created, user)
	return nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		if err := m.deleteFn(ctx, id); err != nil {
			return err
		}
	}
	m.deletedIDs = append(m.deletedIDs, id)
	return nil
}

// --- compile-time interface checks ---
var _ AccountProvider = (*mockProvider)(nil)
var _ repository.UserRepository = (*mockUserRepo)(nil)

// --- テスト ---

func TestCreateUserAccount_Success(t *testing.T) {
	provider := &mockProvider{}
	repo := &mockUserRepo{}
	svc := NewService(provider, repo, nil)

	session, err := svc.CreateUserAccount(context.Background(), "user@example.com", "password123")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if session == nil {
		t.Fatal("expected session")
	}
	if session.UserID != "account-1" {
		t.Errorf("UserID = %q, want account-1", session.UserID)
	}

	// ユーザー行がセッションのuserIdをキーに作成されること
	if len(repo.created) != 1 {
		t.Fatalf("created users = %d, want 1", len(repo.created))
	}
	if repo.created[0].ID != "account-1" {
		t.Errorf("user.ID = %q, want account-1", repo.created[0].ID)
	}

	// 成功時はロールバックが発生しないこと
	if len(provider.deletedIDs) != 0 {
		t.Errorf("deleted accounts = %v, want none", provider.deletedIDs)
	}
}

func TestCreateUserAccount_LowercasesEmail(t *testing.T) {
	provider := &mockProvider{
		createAccountFn: func(ctx context.Context, email, password string) (*idp.Account, error) {
			if email != "user@example.com" {
				t.Errorf("provider email = %q, want lower-cased user@example.com", email)
			}
			return &idp.Account{ID: "account-1", Email: email}, nil
		},
	}
	repo := &mockUserRepo{}
	svc := NewService(provider, repo, nil)

	if _, err := svc.CreateUserAccount(context.Background(), "USER@Example.com", "password123"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if repo.created[0].Email != "user@example.com" {
		t.Errorf("persisted email = %q, want user@example.com", repo.created[0].Email)
	}
}

func TestCreateUserAccount_ProviderCreateFails_NothingCreated(t *testing.T) {
	provider := &mockProvider{
		createAccountFn: func(ctx context.Context, email, password string) (*idp.Account, error) {
			return nil, fmt.Errorf("provider unavailable")
		},
	}
	repo := &mockUserRepo{}
	svc := NewService(provider, repo, nil)

	session, err := svc.CreateUserAccount(context.Background(), "user@example.com", "password123")
	if err == nil {
		t.Fatal("expected error")
	}
	if session != nil {
		t.Errorf("session = %+v, want nil", session)
	}

	// 何も作成されていないので、削除も発生しない
	if len(provider.deletedIDs) != 0 {
		t.Errorf("deleted accounts = %v, want none", provider.deletedIDs)
	}
	if len(repo.created) != 0 {
		t.Errorf("created users = %d, want 0", len(repo.created))
	}
}

func TestCreateUserAccount_SignInFails_RollsBackAccount(t *testing.T) {
	provider := &mockProvider{
		signInFn: func(ctx context.Context, email, password string) (*model.AuthSession, error) {
			return nil, fmt.Errorf("sign-in rejected")
		},
	}
	repo := &mockUserRepo{}
	svc := NewService(provider, repo, nil)

	session, err := svc.CreateUserAccount(context.Background(), "user@example.com", "password123")
	if err == nil {
		t.Fatal("expected error")
	}
	if session != nil {
		t.Errorf("session = %+v, want nil", session)
	}

	// ステップ1で作成されたアカウントが補償削除されること
	if len(provider.deletedIDs) != 1 || provider.deletedIDs[0] != "account-1" {
		t.Errorf("deleted accounts = %v, want [account-1]", provider.deletedIDs)
	}
	if len(repo.created) != 0 {
		t.Errorf("created users = %d, want 0", len(repo.created))
	}
}

func TestCreateUserAccount_PersistFails_RollsBackAccount(t *testing.T) {
	provider := &mockProvider{}
	repo := &mockUserRepo{
		createFn: func(ctx context.Context, user *model.User) error {
			return fmt.Errorf("database unavailable")
		},
	}
	svc := NewService(provider, repo, nil)

	session, err := svc.CreateUserAccount(context.Background(), "user@example.com", "password123")
	if err == nil {
		t.Fatal("expected error")
	}
	if session != nil {
		t.Errorf("session = %+v, want nil", session)
	}

	if len(provider.deletedIDs) != 1 || provider.deletedIDs[0] != "account-1" {
		t.Errorf("deleted accounts = %v, want [account-1]", provider.deletedIDs)
	}
}

func TestCreateUserAccount_EmailTaken_RollsBackAccount(t *testing.T) {
	provider := &mockProvider{}
	repo := &mockUserRepo{
		createFn: func(ctx context.Context, user *model.User) error {
			return model.ErrEmailTaken
		},
	}
	svc := NewService(provider, repo, nil)

	_, err := svc.CreateUserAccount(context.Background(), "user@example.com", "password123")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, model.ErrEmailTaken) {
		t.Errorf("err = %v, want wrapped ErrEmailTaken", err)
	}

	// 一意制約違反でも同じくロールバックし、メールアドレスを再試行可能に保つ
	if len(provider.deletedIDs) != 1 {
		t.Errorf("deleted accounts = %v, want [account-1]", provider.deletedIDs)
	}
}

func TestCreateUserAccount_RollbackFailure_DoesNotPanic(t *testing.T) {
	provider := &mockProvider{
		signInFn: func(ctx context.Context, email, password string) (*model.AuthSession, error) {
			return nil, fmt.Errorf("sign-in rejected")
		},
		deleteAccountFn: func(ctx context.Context, id string) error {
			return fmt.Errorf("delete also failed")
		},
	}
	svc := NewService(provider, &mockUserRepo{}, nil)

	// 補償削除の失敗はログに記録されるだけで、元の失敗が返ること
	_, err := svc.CreateUserAccount(context.Background(), "user@example.com", "password123")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteUserAccount_DeletesRowThenProviderAccount(t *testing.T) {
	provider := &mockProvider{}
	repo := &mockUserRepo{}
	svc := NewService(provider, repo, nil)

	if err := svc.DeleteUserAccount(context.Background(), "account-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(repo.deletedIDs) != 1 || repo.deletedIDs[0] != "account-1" {
		t.Errorf("deleted rows = %v, want [account-1]", repo.deletedIDs)
	}
	if len(provider.deletedIDs) != 1 || provider.deletedIDs[0] != "account-1" {
		t.Errorf("deleted accounts = %v, want [account-1]", provider.deletedIDs)
	}
}

func TestDeleteUserAccount_RowDeleteFails_KeepsProviderAccount(t *testing.T) {
	provider := &mockProvider{}
	repo := &mockUserRepo{
		deleteFn: func(ctx context.Context, id string) error {
			return fmt.Errorf("database unavailable")
		},
	}
	svc := NewService(provider, repo, nil)

	if err := svc.DeleteUserAccount(context.Background(), "account-1"); err == nil {
		t.Fatal("expected error")
	}

	// 行削除に失敗したらプロバイダーのアカウントには触らない
	if len(provider.deletedIDs) != 0 {
		t.Errorf("deleted accounts = %v, want none", provider.deletedIDs)
	}
}

func TestDeleteUserAccount_ProviderDeleteFails_ReturnsError(t *testing.T) {
	provider := &mockProvider{
		deleteAccountFn: func(ctx context.Context, id string) error {
			return fmt.Errorf("provider unavailable")
		},
	}
	repo := &mockUserRepo{}
	svc := NewService(provider, repo, nil)

	if err := svc.DeleteUserAccount(context.Background(), "account-1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestGetUserByEmail_NormalizesLookup(t *testing.T) {
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
			if email != "user@example.com" {
				t.Errorf("lookup email = %q, want user@example.com", email)
			}
			return &model.User{ID: "account-1", Email: email}, nil
		},
	}
	svc := NewService(&mockProvider{}, repo, nil)

	found, err := svc.GetUserByEmail(context.Background(), "USER@Example.com")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if found == nil {
		t.Fatal("expected user")
	}
}
