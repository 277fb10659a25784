// Package user はユーザー登録、ログイン、ログアウトのオーケストレーションを提供する。
// 認証基盤、決済プロセッサー、ユーザードキュメントの順に呼び出し、
// セッションCookieの発行と破棄を行う。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/homework/internal/dwolla"
	"github.com/hitoshi/homework/internal/metrics"
	"github.com/hitoshi/homework/internal/model"
	"github.com/hitoshi/homework/internal/repository"
	"github.com/hitoshi/homework/internal/security"
)

// 決済プロセッサーの顧客作成に使う固定のプロフィール。
// 利用者から住所等を受け取らないため、全顧客に同じ値を送る。
var placeholderProfile = dwolla.NewCustomer{
	Type:        "personal",
	Address1:    "Some Address",
	City:        "Gwalior",
	State:       "MP",
	PostalCode:  "47622",
	DateOfBirth: "1998-01-01",
	SSN:         "123456789",
}

// IdentityService は認証基盤のインターフェース。
type IdentityService interface {
	CreateAccount(ctx context.Context, email, password, name string) (*model.Account, error)
	CreateEmailPasswordSession(ctx context.Context, email, password string) (*model.Session, error)
	GetAccount(ctx context.Context, secret string) (*model.Account, error)
	DeleteSession(ctx context.Context, secret string) error
}

// CustomerCreator は決済プロセッサーの顧客作成インターフェース。
type CustomerCreator interface {
	CreateCustomer(ctx context.Context, customer dwolla.NewCustomer) (string, error)
}

// SessionCookies はリクエスト単位のセッションCookie操作。
// ハンドラーが生成し、各操作に明示的に渡す。
type SessionCookies interface {
	// Get は現在のセッションシークレットを返す。Cookieがない場合はfalse。
	Get() (string, bool)
	// Set はセッションCookieを発行する。
	Set(session *model.Session)
	// Delete はセッションCookieを削除する。
	Delete()
}

// SignUpParams はユーザー登録の入力。
type SignUpParams struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

// Service はユーザー管理のサービス層。
type Service struct {
	identity  IdentityService
	customers CustomerCreator
	userRepo  repository.UserRepository
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	identity IdentityService,
	customers CustomerCreator,
	userRepo repository.UserRepository,
	sanitizer security.TextSanitizer,
	collector metrics.MetricsCollector,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		identity:  identity,
		customers: customers,
		userRepo:  userRepo,
		sanitizer: sanitizer,
		metrics:   collector,
	}
}

// SignUp はアカウント、決済プロセッサー顧客、ユーザードキュメント、セッションを順に作成する。
// 途中のステップで失敗した場合、それ以前に作成された外部リソースは残る（補償処理は行わない）。
func (s *Service) SignUp(ctx context.Context, cookies SessionCookies, params SignUpParams) (u *model.User, err error) {
	const op = "sign_up"
	defer func() { s.finish(op, err) }()

	firstName := s.sanitizer.SanitizeText(params.FirstName)
	lastName := s.sanitizer.SanitizeText(params.LastName)
	if firstName == "" || lastName == "" {
		return nil, &model.OperationError{
			Op: op, Step: "validate", Kind: model.FailureInvalidInput,
			Err: errors.New("first name and last name are required"),
		}
	}

	// 1. 認証アカウント作成
	account, err := s.identity.CreateAccount(ctx, params.Email, params.Password, firstName+" "+lastName)
	if err != nil {
		return nil, model.NewOperationError(op, "create_account", err)
	}
	if account == nil {
		return nil, model.NewPreconditionError(op, "create_account", "account creation failed")
	}

	// 2. 決済プロセッサー顧客作成
	customer := placeholderProfile
	customer.FirstName = firstName
	customer.LastName = lastName
	customer.Email = account.Email
	customerURL, err := s.customers.CreateCustomer(ctx, customer)
	if err != nil {
		return nil, model.NewOperationError(op, "create_customer", err)
	}
	if customerURL == "" {
		return nil, model.NewPreconditionError(op, "create_customer", "dwolla customer creation failed")
	}

	// 3. ユーザードキュメント作成
	user := &model.User{
		UserID:            account.ID,
		Email:             account.Email,
		FirstName:         firstName,
		LastName:          lastName,
		DwollaCustomerID:  dwolla.ExtractCustomerID(customerURL),
		DwollaCustomerURL: customerURL,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, model.NewOperationError(op, "create_user", err)
	}

	// 4. セッション発行
	session, err := s.identity.CreateEmailPasswordSession(ctx, account.Email, params.Password)
	if err != nil {
		return nil, model.NewOperationError(op, "create_session", err)
	}
	cookies.Set(session)

	slog.Info("ユーザー登録が完了しました",
		slog.String("user_id", account.ID),
		slog.String("document_id", user.ID),
	)
	return user, nil
}

// SignIn はセッションを発行してCookieに設定し、ユーザードキュメントを返す。
func (s *Service) SignIn(ctx context.Context, cookies SessionCookies, email, password string) (u *model.User, err error) {
	const op = "sign_in"
	defer func() { s.finish(op, err) }()

	session, err := s.identity.CreateEmailPasswordSession(ctx, email, password)
	if err != nil {
		return nil, model.NewOperationError(op, "create_session", err)
	}
	cookies.Set(session)

	user, err := s.findUser(ctx, session.UserID)
	if err != nil {
		return nil, wrapStep(op, "get_user_info", err)
	}
	return user, nil
}

// GetLoggedInUser は現在のセッションに紐付くユーザードキュメントを返す。
// セッションがない、または無効な場合は (nil, nil) を返す。
func (s *Service) GetLoggedInUser(ctx context.Context, cookies SessionCookies) (*model.User, error) {
	const op = "get_logged_in_user"

	secret, ok := cookies.Get()
	if !ok {
		return nil, nil
	}

	account, err := s.identity.GetAccount(ctx, secret)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			return nil, nil
		}
		opErr := model.NewOperationError(op, "get_account", err)
		s.finish(op, opErr)
		return nil, opErr
	}

	user, err := s.findUser(ctx, account.ID)
	if err != nil {
		opErr := wrapStep(op, "get_user_info", err)
		s.finish(op, opErr)
		return nil, opErr
	}
	return user, nil
}

// Logout はセッションCookieを削除し、認証基盤のセッションを無効化する。
// セッションが存在しない場合もエラーにしない。
func (s *Service) Logout(ctx context.Context, cookies SessionCookies) error {
	const op = "logout"

	secret, ok := cookies.Get()
	cookies.Delete()
	if !ok {
		return nil
	}

	if err := s.identity.DeleteSession(ctx, secret); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			return nil
		}
		opErr := model.NewOperationError(op, "delete_session", err)
		s.finish(op, opErr)
		return opErr
	}

	s.finish(op, nil)
	return nil
}

// GetUserInfo は認証アカウントIDでユーザードキュメントを取得する。
func (s *Service) GetUserInfo(ctx context.Context, userID string) (*model.User, error) {
	const op = "get_user_info"

	user, err := s.findUser(ctx, userID)
	if err != nil {
		err = wrapStep(op, "find_user", err)
		s.finish(op, err)
		return nil, err
	}
	return user, nil
}

// findUser はユーザードキュメントを検索し、見つからない場合はnot_foundのOperationErrorを返す。
func (s *Service) findUser(ctx context.Context, userID string) (*model.User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &model.OperationError{Op: "get_user_info", Kind: model.FailureInvalidInput, Err: errors.New("user id is required")}
	}
	user, err := s.userRepo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, &model.OperationError{Op: "get_user_info", Kind: model.FailureNotFound, Err: fmt.Errorf("user document for %s not found", userID)}
	}
	return user, nil
}

// finish は操作の結果をログとメトリクスに記録する。
func (s *Service) finish(op string, err error) {
	if err == nil {
		s.metrics.RecordOperation(op, metrics.OutcomeSuccess)
		return
	}
	kind := model.KindOf(err)
	s.metrics.RecordOperation(op, string(kind))
	slog.Error("操作に失敗しました",
		slog.String("operation", op),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
}

// wrapStep は分類済みのOperationErrorはそのまま返し、それ以外をopとstepで包む。
func wrapStep(op, step string, err error) error {
	var opErr *model.OperationError
	if errors.As(err, &opErr) {
		return &model.OperationError{Op: op, Step: step, Kind: opErr.Kind, Err: opErr.Err}
	}
	return model.NewOperationError(op, step, err)
}
