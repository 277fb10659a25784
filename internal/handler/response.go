package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/homework/internal/middleware"
	"github.com/hitoshi/homework/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvにデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON body"))
		return false
	}
	return true
}

// writeServiceError はサービス層のエラーを失敗分類に応じたレスポンスに変換する。
// 詳細はサービス層でログ出力済みのため、ここでは分類のみを記録する。
func writeServiceError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	if kind == model.FailureInternal {
		slog.Error("internal server error", slog.String("error", err.Error()))
	}
	middleware.WriteOperationError(w, err)
}

// writeUnauthorized は未認証の統一レスポンスを書き込む。
func writeUnauthorized(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
}
