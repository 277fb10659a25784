// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/homework/internal/middleware"
	"github.com/hitoshi/homework/internal/model"
	"github.com/hitoshi/homework/internal/user"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, cookies user.SessionCookies, params user.SignUpParams) (*model.User, error)
	SignIn(ctx context.Context, cookies user.SessionCookies, email, password string) (*model.User, error)
	GetLoggedInUser(ctx context.Context, cookies user.SessionCookies) (*model.User, error)
	Logout(ctx context.Context, cookies user.SessionCookies) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler は登録、ログイン、ログアウトのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// signInRequest はログインリクエストのボディ。
type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp はユーザー登録を処理する。
// POST /api/auth/sign-up
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req user.SignUpParams
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.SignUp(r.Context(), h.cookies(w, r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, u)
}

// SignIn はメールアドレスとパスワードでログインする。
// POST /api/auth/sign-in
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.SignIn(r.Context(), h.cookies(w, r), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, u)
}

// Logout はセッションを破棄する。セッションがない場合も204を返す。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), h.cookies(w, r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.GetLoggedInUser(r.Context(), h.cookies(w, r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if u == nil {
		writeUnauthorized(w)
		return
	}

	writeJSON(w, http.StatusOK, u)
}

func (h *AuthHandler) cookies(w http.ResponseWriter, r *http.Request) *sessionCookies {
	return &sessionCookies{w: w, r: r, config: h.config}
}

// sessionCookies はリクエストとレスポンスに紐付くuser.SessionCookiesの実装。
type sessionCookies struct {
	w      http.ResponseWriter
	r      *http.Request
	config AuthHandlerConfig
}

// Get はリクエストのセッションCookieを返す。
func (c *sessionCookies) Get() (string, bool) {
	cookie, err := c.r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// Set はセッションCookieを発行する（HTTP Only、SameSite=Strict）。
// 有効期間はセッションの期限とSessionMaxAgeの短い方。
func (c *sessionCookies) Set(session *model.Session) {
	maxAge := c.config.SessionMaxAge
	if !session.ExpiresAt.IsZero() {
		if remaining := int(time.Until(session.ExpiresAt).Seconds()); maxAge <= 0 || remaining < maxAge {
			maxAge = remaining
		}
	}
	if maxAge <= 0 {
		maxAge = 1
	}

	http.SetCookie(c.w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   c.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Delete はセッションCookieを削除する。
func (c *sessionCookies) Delete() {
	http.SetCookie(c.w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   c.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
