package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/homework/internal/model"
)

// PostgresLinkAttemptRepo はPostgreSQLを使用した連携試行リポジトリ。
type PostgresLinkAttemptRepo struct {
	db *sql.DB
}

// NewPostgresLinkAttemptRepo はPostgresLinkAttemptRepoを生成する。
func NewPostgresLinkAttemptRepo(db *sql.DB) *PostgresLinkAttemptRepo {
	return &PostgresLinkAttemptRepo{db: db}
}

// Create は連携試行を作成する。
func (r *PostgresLinkAttemptRepo) Create(ctx context.Context, attempt *model.LinkAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	now := time.Now()
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = now
	}
	attempt.UpdatedAt = now
	if attempt.Status == "" {
		attempt.Status = model.LinkAttemptStarted
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO link_attempts (id, user_id, item_id, account_id, status, funding_source_url, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		attempt.ID, attempt.UserID, attempt.ItemID, attempt.AccountID, string(attempt.Status),
		attempt.FundingSourceURL, attempt.ErrorMessage, attempt.CreatedAt, attempt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert link attempt: %w", err)
	}
	return nil
}

// Update は連携試行の進捗を更新する。
func (r *PostgresLinkAttemptRepo) Update(ctx context.Context, attempt *model.LinkAttempt) error {
	attempt.UpdatedAt = time.Now()

	result, err := r.db.ExecContext(ctx,
		`UPDATE link_attempts
		 SET item_id = $2, account_id = $3, status = $4, funding_source_url = $5, error_message = $6, updated_at = $7
		 WHERE id = $1`,
		attempt.ID, attempt.ItemID, attempt.AccountID, string(attempt.Status),
		attempt.FundingSourceURL, attempt.ErrorMessage, attempt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update link attempt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("link attempt not found: %s", attempt.ID)
	}
	return nil
}

// ListStale はcompleted/failed以外のまま指定時刻より更新されていない連携試行と、
// 更新時刻にかかわらずorphanedの連携試行を返す。
func (r *PostgresLinkAttemptRepo) ListStale(ctx context.Context, updatedBefore time.Time) ([]*model.LinkAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, item_id, account_id, status, funding_source_url, error_message, created_at, updated_at
		 FROM link_attempts
		 WHERE status = $1 OR (status NOT IN ($2, $3) AND updated_at < $4)
		 ORDER BY updated_at ASC`,
		string(model.LinkAttemptOrphaned), string(model.LinkAttemptCompleted), string(model.LinkAttemptFailed), updatedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale link attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*model.LinkAttempt
	for rows.Next() {
		a := &model.LinkAttempt{}
		var status string
		if err := rows.Scan(&a.ID, &a.UserID, &a.ItemID, &a.AccountID, &status,
			&a.FundingSourceURL, &a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan link attempt: %w", err)
		}
		a.Status = model.LinkAttemptStatus(status)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate link attempts: %w", err)
	}

	return attempts, nil
}

// compile-time interface check
var _ LinkAttemptRepository = (*PostgresLinkAttemptRepo)(nil)
