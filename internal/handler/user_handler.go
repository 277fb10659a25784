package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/homework/internal/middleware"
	"github.com/hitoshi/homework/internal/model"
)

// UserHandler はユーザー情報のHTTPハンドラー。
type UserHandler struct {
	users UserLookup
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(users UserLookup) *UserHandler {
	return &UserHandler{
		users: users,
	}
}

// GetUser はユーザードキュメントを返す。
// 自分以外のユーザーは存在しないものとして扱う。
// GET /api/users/{userId}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	sessionUserID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	userID := chi.URLParam(r, "userId")
	if userID == "me" {
		userID = sessionUserID
	}
	if userID != sessionUserID {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
		return
	}

	u, err := h.users.GetUserInfo(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, u)
}
