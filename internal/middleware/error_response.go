package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/homework/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewAPIErrorFromKind(model.FailureInternal))
}

// WriteOperationError はオーケストレーション操作のエラーを失敗分類に応じたステータスで書き込む。
func WriteOperationError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	WriteErrorResponse(w, StatusForKind(kind), model.NewAPIErrorFromKind(kind))
}

// StatusForKind は失敗分類をHTTPステータスコードに変換する。
func StatusForKind(kind model.FailureKind) int {
	switch kind {
	case model.FailureInvalidInput:
		return http.StatusBadRequest
	case model.FailureUnauthenticated:
		return http.StatusUnauthorized
	case model.FailureNotFound:
		return http.StatusNotFound
	case model.FailureRejected:
		return http.StatusUnprocessableEntity
	case model.FailurePrecondition:
		return http.StatusConflict
	case model.FailureUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
