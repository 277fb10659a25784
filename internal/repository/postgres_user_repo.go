package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/homework/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザードキュメントリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const selectUserColumns = `SELECT id, user_id, email, first_name, last_name, dwolla_customer_id, dwolla_customer_url, created_at FROM users`

// Create はユーザードキュメントを作成する。IDとCreatedAtが空の場合は採番する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, user_id, email, first_name, last_name, dwolla_customer_id, dwolla_customer_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.UserID, user.Email, user.FirstName, user.LastName,
		user.DwollaCustomerID, user.DwollaCustomerURL, user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user document: %w", err)
	}
	return nil
}

// FindByUserID は認証アカウントIDでユーザードキュメントを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByUserID(ctx context.Context, userID string) (*model.User, error) {
	return r.findOne(ctx, selectUserColumns+` WHERE user_id = $1`, userID)
}

// FindByID はドキュメントIDでユーザードキュメントを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.findOne(ctx, selectUserColumns+` WHERE id = $1`, id)
}

func (r *PostgresUserRepo) findOne(ctx context.Context, query, arg string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.UserID, &user.Email, &user.FirstName, &user.LastName,
		&user.DwollaCustomerID, &user.DwollaCustomerURL, &user.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user document: %w", err)
	}

	return user, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
