// Package cleanup は期限切れセッションの削除と、放置された口座連携の検出を行う定期ジョブを提供する。
// 放置された口座連携とorphanedの口座連携は決済プロセッサー側にだけファンディングソースが
// 残っている可能性があるため、件数をメトリクスに出し、個別にWARNログを出力する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/homework/internal/metrics"
	"github.com/hitoshi/homework/internal/model"
)

// SessionPurger は期限切れセッションの削除インターフェース。
type SessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// StaleAttemptLister は放置された口座連携試行の検索インターフェース。
type StaleAttemptLister interface {
	ListStale(ctx context.Context, updatedBefore time.Time) ([]*model.LinkAttempt, error)
}

// CleanupJob は定期実行のメンテナンスジョブ。
// どちらの処理も冪等で、対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions   SessionPurger
	attempts   StaleAttemptLister
	logger     *slog.Logger
	collector  metrics.MetricsCollector
	now        func() time.Time
	StaleAfter time.Duration // 連携試行を放置とみなすまでの時間（デフォルト: 1時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewCleanupJob(sessions SessionPurger, attempts StaleAttemptLister, logger *slog.Logger, collector metrics.MetricsCollector) *CleanupJob {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &CleanupJob{
		sessions:   sessions,
		attempts:   attempts,
		logger:     logger,
		collector:  collector,
		now:        time.Now,
		StaleAfter: time.Hour,
	}
}

// Run は期限切れセッションを削除し、放置された口座連携を報告する。
// セッション削除に失敗しても連携試行の検査は実行し、失敗をまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	purgeErr := j.purgeSessions(ctx)
	staleErr := j.reportStaleAttempts(ctx)

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	switch {
	case purgeErr != nil && staleErr != nil:
		return fmt.Errorf("%w; %w", purgeErr, staleErr)
	case purgeErr != nil:
		return purgeErr
	default:
		return staleErr
	}
}

func (j *CleanupJob) purgeSessions(ctx context.Context) error {
	deleted, err := j.sessions.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
	}

	j.collector.RecordSessionsPurged(deleted)
	j.logger.Info("期限切れセッションを削除しました",
		slog.Int64("deleted_count", deleted),
	)
	return nil
}

func (j *CleanupJob) reportStaleAttempts(ctx context.Context) error {
	cutoff := j.now().Add(-j.StaleAfter)

	stale, err := j.attempts.ListStale(ctx, cutoff)
	if err != nil {
		j.logger.Error("放置された口座連携の検索に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("放置された口座連携の検索に失敗: %w", err)
	}

	j.collector.SetStaleLinkAttempts(len(stale))
	for _, a := range stale {
		j.logger.Warn("口座連携が完了しないまま放置されています",
			slog.String("attempt_id", a.ID),
			slog.String("user_id", a.UserID),
			slog.String("status", string(a.Status)),
			slog.String("funding_source_url", a.FundingSourceURL),
			slog.String("error_message", a.ErrorMessage),
			slog.Time("updated_at", a.UpdatedAt),
		)
	}
	return nil
}
