package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/homework/internal/model"
)

// TokenCipher はアクセストークンの保存時暗号化インターフェース。
// crypto.Encryptorが実装する。
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// PostgresBankAccountRepo はPostgreSQLを使用した銀行口座リポジトリ。
type PostgresBankAccountRepo struct {
	db     *sql.DB
	cipher TokenCipher
}

// NewPostgresBankAccountRepo はPostgresBankAccountRepoを生成する。
func NewPostgresBankAccountRepo(db *sql.DB, cipher TokenCipher) *PostgresBankAccountRepo {
	return &PostgresBankAccountRepo{db: db, cipher: cipher}
}

const selectBankAccountColumns = `SELECT id, user_id, bank_id, account_id, access_token, funding_source_url, shareable_id, created_at FROM bank_accounts`

// Create は銀行口座を作成する。アクセストークンは暗号化して保存する。
// 渡されたaccountのAccessTokenは平文のまま変更しない。
func (r *PostgresBankAccountRepo) Create(ctx context.Context, account *model.BankAccount) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}

	encrypted, err := r.cipher.Encrypt(account.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO bank_accounts (id, user_id, bank_id, account_id, access_token, funding_source_url, shareable_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, account.UserID, account.BankID, account.AccountID, encrypted,
		account.FundingSourceURL, account.ShareableID, account.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bank account: %w", err)
	}
	return nil
}

// ListByUserID はユーザードキュメントIDに紐付く口座を作成日時順に返す。
func (r *PostgresBankAccountRepo) ListByUserID(ctx context.Context, userID string) ([]*model.BankAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		selectBankAccountColumns+` WHERE user_id = $1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bank accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.BankAccount
	for rows.Next() {
		account, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bank accounts: %w", err)
	}

	return accounts, nil
}

// FindByID は指定IDの口座を取得する。見つからない場合はnilを返す。
func (r *PostgresBankAccountRepo) FindByID(ctx context.Context, id string) (*model.BankAccount, error) {
	account, err := r.scan(r.db.QueryRowContext(ctx, selectBankAccountColumns+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scan は1行を読み取り、アクセストークンを復号する。
// 行が存在しない場合はsql.ErrNoRowsをそのまま返す。
func (r *PostgresBankAccountRepo) scan(row rowScanner) (*model.BankAccount, error) {
	account := &model.BankAccount{}
	var encrypted string
	err := row.Scan(
		&account.ID, &account.UserID, &account.BankID, &account.AccountID, &encrypted,
		&account.FundingSourceURL, &account.ShareableID, &account.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bank account: %w", err)
	}

	account.AccessToken, err = r.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token for bank account %s: %w", account.ID, err)
	}

	return account, nil
}

// compile-time interface check
var _ BankAccountRepository = (*PostgresBankAccountRepo)(nil)
