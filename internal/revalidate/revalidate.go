// Package revalidate はレンダリング済みページのキャッシュ無効化通知を提供する。
// 口座連携完了後にトップページ "/" を再生成させるために使われる。
package revalidate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/homework/internal/model"
)

// Revalidator は指定パスのキャッシュ無効化を要求するインターフェース。
type Revalidator interface {
	Revalidate(ctx context.Context, path string) error
}

// HTTPRevalidator は設定されたURLへパスをPOSTしてキャッシュ無効化を要求する。
type HTTPRevalidator struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	secret     string
}

// NewHTTPRevalidator はHTTPRevalidatorを生成する。
// secretは空でなければX-Revalidate-Secretヘッダーで送信する。
func NewHTTPRevalidator(httpClient *http.Client, logger *slog.Logger, endpoint, secret string) *HTTPRevalidator {
	return &HTTPRevalidator{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
		secret:     secret,
	}
}

// Revalidate はpathの無効化を要求する。2xx以外はmodel.UpstreamErrorを返す。
func (r *HTTPRevalidator) Revalidate(ctx context.Context, path string) error {
	payload, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.secret != "" {
		req.Header.Set("X-Revalidate-Secret", r.secret)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Error("キャッシュ無効化の通知に失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("revalidate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Error("キャッシュ無効化先がエラーステータスを返しました",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return &model.UpstreamError{
			Service:    "revalidate",
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}

	r.logger.Info("キャッシュ無効化を通知しました", slog.String("path", path))
	return nil
}

// Nop は何もしないRevalidator。無効化先が設定されていない場合に使う。
type Nop struct{}

// Revalidate は常にnilを返す。
func (Nop) Revalidate(context.Context, string) error { return nil }

// New はendpointが空ならNopを、そうでなければHTTPRevalidatorを返す。
func New(httpClient *http.Client, logger *slog.Logger, endpoint, secret string) Revalidator {
	if endpoint == "" {
		return Nop{}
	}
	return NewHTTPRevalidator(httpClient, logger, endpoint, secret)
}
