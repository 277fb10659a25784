package handler

import (
	"bytes"
	"log/slog"
	"net/http"

	"github.com/hitoshi/homework/internal/middleware"
	"github.com/hitoshi/homework/internal/nav"
)

// NavHandler はナビゲーションとアプリケーションシェルのHTTPハンドラー。
type NavHandler struct {
	renderer *nav.Renderer
	users    UserLookup
}

// NewNavHandler はNavHandlerを生成する。
func NewNavHandler(renderer *nav.Renderer, users UserLookup) *NavHandler {
	return &NavHandler{
		renderer: renderer,
		users:    users,
	}
}

// navResponse はナビゲーションAPIのレスポンス。
type navResponse struct {
	Path  string     `json:"path"`
	Items []nav.Item `json:"items"`
}

// GetNav は指定パスに対するアクティブ状態付きのナビゲーションを返す。
// GET /api/nav?path=/my-banks
func (h *NavHandler) GetNav(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}

	writeJSON(w, http.StatusOK, navResponse{Path: path, Items: nav.Build(path)})
}

// Page はレイアウトとモバイルナビゲーションをHTMLで描画する。
// ログイン中であれば表示名を含める。
// GET /, /my-banks, /transaction-history, /payment-transfer
func (h *NavHandler) Page(w http.ResponseWriter, r *http.Request) {
	page := h.renderer.NewPage(r.URL.Path, h.userName(r))

	var buf bytes.Buffer
	if err := h.renderer.Render(&buf, page); err != nil {
		slog.Error("failed to render page",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

// userName はセッションのユーザー表示名を返す。未ログインや取得失敗時は空文字。
func (h *NavHandler) userName(r *http.Request) string {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		return ""
	}
	u, err := h.users.GetUserInfo(r.Context(), userID)
	if err != nil || u == nil {
		return ""
	}
	return u.FullName()
}
