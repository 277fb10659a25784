// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/homework/internal/model"
)

// AccountRepository は認証アカウントの永続化インターフェース。
type AccountRepository interface {
	// Create はアカウントを作成する。メールアドレスが重複する場合はmodel.ErrDuplicateAccountを返す。
	Create(ctx context.Context, account *model.Account) error

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でアカウントを検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。削除した件数を返す。
	DeleteByID(ctx context.Context, id string) (int64, error)
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// UserRepository はユーザードキュメントの永続化インターフェース。
type UserRepository interface {
	// Create はユーザードキュメントを作成する。IDとCreatedAtが空の場合は採番する。
	Create(ctx context.Context, user *model.User) error

	// FindByUserID は認証アカウントIDでユーザードキュメントを検索する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.User, error)

	// FindByID はドキュメントIDでユーザードキュメントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// BankAccountRepository は連携済み銀行口座の永続化インターフェース。
// アクセストークンは保存時に暗号化され、読み出し時に復号される。
type BankAccountRepository interface {
	// Create は銀行口座を作成する。(UserID, BankID) の重複は許容する。
	Create(ctx context.Context, account *model.BankAccount) error

	// ListByUserID はユーザードキュメントIDに紐付く口座を作成日時順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.BankAccount, error)

	// FindByID は指定IDの口座を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.BankAccount, error)
}

// LinkAttemptRepository は口座連携フローの意図ログの永続化インターフェース。
type LinkAttemptRepository interface {
	// Create は連携試行を作成する。
	Create(ctx context.Context, attempt *model.LinkAttempt) error

	// Update は連携試行の状態、item ID、口座ID、ファンディングソースURL、エラーメッセージを更新する。
	Update(ctx context.Context, attempt *model.LinkAttempt) error

	// ListStale はcompleted/failed以外のまま指定時刻より更新されていない連携試行を返す。
	ListStale(ctx context.Context, updatedBefore time.Time) ([]*model.LinkAttempt, error)
}
