package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/hitoshi/homework/internal/bank"
	"github.com/hitoshi/homework/internal/middleware"
	"github.com/hitoshi/homework/internal/model"
)

// BankServiceInterface は口座連携ハンドラーが必要とするサービスインターフェース。
type BankServiceInterface interface {
	CreateLinkToken(ctx context.Context, user *model.User) (string, error)
	ExchangePublicToken(ctx context.Context, publicToken string, user *model.User) (*bank.ExchangeResult, error)
	GetBanks(ctx context.Context, userID string) ([]*model.BankAccount, error)
	GetAccounts(ctx context.Context, user *model.User) (*bank.AccountsOverview, error)
}

// UserLookup は認証アカウントIDからユーザードキュメントを取得する。
type UserLookup interface {
	GetUserInfo(ctx context.Context, userID string) (*model.User, error)
}

// BankHandler は口座連携のHTTPハンドラー。
// セッションミドルウェアの後に配置する。
type BankHandler struct {
	service BankServiceInterface
	users   UserLookup
}

// NewBankHandler はBankHandlerを生成する。
func NewBankHandler(service BankServiceInterface, users UserLookup) *BankHandler {
	return &BankHandler{
		service: service,
		users:   users,
	}
}

// exchangeRequest は公開トークン交換リクエストのボディ。
type exchangeRequest struct {
	PublicToken string `json:"publicToken"`
}

// CreateLinkToken はリンクトークンを発行する。
// POST /api/plaid/link-token
func (h *BankHandler) CreateLinkToken(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	token, err := h.service.CreateLinkToken(r.Context(), u)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"linkToken": token})
}

// ExchangePublicToken は公開トークンを交換して口座を連携する。
// POST /api/plaid/exchange
func (h *BankHandler) ExchangePublicToken(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req exchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PublicToken) == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("publicToken is required"))
		return
	}

	result, err := h.service.ExchangePublicToken(r.Context(), req.PublicToken, u)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListBanks は連携済みの口座一覧を返す。
// GET /api/banks
func (h *BankHandler) ListBanks(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	banks, err := h.service.GetBanks(r.Context(), u.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if banks == nil {
		banks = []*model.BankAccount{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": banks})
}

// GetAccounts は連携済み口座の残高と合計を返す。
// GET /api/accounts
func (h *BankHandler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	overview, err := h.service.GetAccounts(r.Context(), u)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, overview)
}

// currentUser はセッションのユーザードキュメントを取得する。失敗時はレスポンスを書き込みfalseを返す。
func (h *BankHandler) currentUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return nil, false
	}

	u, err := h.users.GetUserInfo(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	return u, true
}
