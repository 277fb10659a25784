// Package bank は口座連携のオーケストレーションを提供する。
// リンクトークン発行、公開トークン交換からファンディングソース作成までの一連の処理、
// 連携済み口座の一覧と残高取得を扱う。
package bank

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hitoshi/homework/internal/metrics"
	"github.com/hitoshi/homework/internal/model"
	"github.com/hitoshi/homework/internal/plaid"
	"github.com/hitoshi/homework/internal/repository"
	"github.com/hitoshi/homework/internal/revalidate"
)

const (
	// Processor はプロセッサートークンの発行先。
	Processor = "dwolla"
	// RevalidatePath は口座連携完了後に再生成させるパス。
	RevalidatePath = "/"
)

// 公開トークン交換のステップ名。ログ、メトリクス、OperationErrorのStepに使う。
const (
	StepExchange       = "exchange_public_token"
	StepGetAccounts    = "get_accounts"
	StepProcessorToken = "create_processor_token"
	StepFundingSource  = "create_funding_source"
	StepPersist        = "create_bank_account"
	StepRevalidate     = "revalidate"
)

var tracer = otel.Tracer("homework/bank")

// ExchangeResult は公開トークン交換の完了マーカー。
type ExchangeResult struct {
	PublicTokenExchange string `json:"publicTokenExchange"`
}

// Aggregator は口座アグリゲーターのインターフェース。
type Aggregator interface {
	CreateLinkToken(ctx context.Context, req plaid.LinkTokenRequest) (*plaid.LinkToken, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (*plaid.ItemAccess, error)
	GetAccounts(ctx context.Context, accessToken string) ([]model.LinkedAccount, error)
	CreateProcessorToken(ctx context.Context, accessToken, accountID, processor string) (string, error)
}

// FundingSourceCreator は決済プロセッサーのファンディングソース作成インターフェース。
type FundingSourceCreator interface {
	AddFundingSource(ctx context.Context, customerID, processorToken, bankName string) (string, error)
}

// Service は口座連携のサービス層。
type Service struct {
	aggregator  Aggregator
	processor   FundingSourceCreator
	bankRepo    repository.BankAccountRepository
	attemptRepo repository.LinkAttemptRepository
	revalidator revalidate.Revalidator
	metrics     metrics.MetricsCollector
}

// NewService はServiceの新しいインスタンスを生成する。
// attemptRepoがnilの場合、連携試行は記録しない。
func NewService(
	aggregator Aggregator,
	processor FundingSourceCreator,
	bankRepo repository.BankAccountRepository,
	attemptRepo repository.LinkAttemptRepository,
	revalidator revalidate.Revalidator,
	collector metrics.MetricsCollector,
) *Service {
	if revalidator == nil {
		revalidator = revalidate.Nop{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		aggregator:  aggregator,
		processor:   processor,
		bankRepo:    bankRepo,
		attemptRepo: attemptRepo,
		revalidator: revalidator,
		metrics:     collector,
	}
}

// CreateLinkToken はユーザー向けのリンクトークンを発行する。
// 認証のみのプロダクトスコープ、英語・米国固定で要求する。
func (s *Service) CreateLinkToken(ctx context.Context, user *model.User) (string, error) {
	const op = "create_link_token"
	if user == nil {
		return "", s.fail(op, &model.OperationError{Op: op, Kind: model.FailureUnauthenticated, Err: model.ErrSessionNotFound})
	}

	token, err := s.aggregator.CreateLinkToken(ctx, plaid.LinkTokenRequest{
		ClientUserID: user.ID,
		ClientName:   user.FullName(),
		Products:     []string{"auth"},
		Language:     "en",
		CountryCodes: []string{"US"},
	})
	if err != nil {
		return "", s.fail(op, model.NewOperationError(op, "link_token_create", err))
	}

	s.metrics.RecordOperation(op, metrics.OutcomeSuccess)
	return token.LinkToken, nil
}

// ExchangePublicToken は公開トークンを交換し、先頭の口座についてファンディングソースを作成して
// BankAccountを保存する。いずれかのステップが失敗した時点で以降のステップは実行しない。
// 口座が複数ある場合も先頭の1件のみを連携する。
func (s *Service) ExchangePublicToken(ctx context.Context, publicToken string, user *model.User) (result *ExchangeResult, err error) {
	const op = "exchange_public_token"

	ctx, span := tracer.Start(ctx, "bank."+op)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if user == nil {
		return nil, s.fail(op, &model.OperationError{Op: op, Kind: model.FailureUnauthenticated, Err: model.ErrSessionNotFound})
	}
	if publicToken == "" {
		return nil, s.fail(op, &model.OperationError{Op: op, Kind: model.FailureInvalidInput, Err: errors.New("public token is required")})
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	attempt := s.startAttempt(ctx, user.ID)

	// 1. 公開トークンをアクセストークンとitem IDに交換
	access, err := s.aggregator.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		return nil, s.stepFailed(ctx, op, StepExchange, attempt, err)
	}
	s.stepSucceeded(ctx, StepExchange, attempt, func(a *model.LinkAttempt) {
		a.Status = model.LinkAttemptAccessTokenIssued
		a.ItemID = access.ItemID
	})

	// 2. 口座一覧を取得し先頭の口座を採用
	accounts, err := s.aggregator.GetAccounts(ctx, access.AccessToken)
	if err != nil {
		return nil, s.stepFailed(ctx, op, StepGetAccounts, attempt, err)
	}
	if len(accounts) == 0 {
		return nil, s.stepFailed(ctx, op, StepGetAccounts, attempt,
			model.NewPreconditionError(op, StepGetAccounts, "no accounts returned for item"))
	}
	account := accounts[0]
	if len(accounts) > 1 {
		slog.Warn("複数口座のうち先頭の口座のみを連携します",
			slog.String("user_id", user.ID),
			slog.String("item_id", access.ItemID),
			slog.Int("account_count", len(accounts)),
		)
	}
	s.stepSucceeded(ctx, StepGetAccounts, attempt, func(a *model.LinkAttempt) {
		a.AccountID = account.AccountID
	})

	// 3. プロセッサー向けトークンを発行
	processorToken, err := s.aggregator.CreateProcessorToken(ctx, access.AccessToken, account.AccountID, Processor)
	if err != nil {
		return nil, s.stepFailed(ctx, op, StepProcessorToken, attempt, err)
	}
	s.stepSucceeded(ctx, StepProcessorToken, attempt, func(a *model.LinkAttempt) {
		a.Status = model.LinkAttemptProcessorTokenIssued
	})

	// 4. 決済プロセッサーにファンディングソースを作成
	fundingSourceURL, err := s.processor.AddFundingSource(ctx, user.DwollaCustomerID, processorToken, account.Name)
	if err != nil {
		return nil, s.stepFailed(ctx, op, StepFundingSource, attempt, err)
	}
	if fundingSourceURL == "" {
		return nil, s.stepFailed(ctx, op, StepFundingSource, attempt,
			model.NewPreconditionError(op, StepFundingSource, "funding source creation failed"))
	}
	s.stepSucceeded(ctx, StepFundingSource, attempt, func(a *model.LinkAttempt) {
		a.Status = model.LinkAttemptFundingSourceCreated
		a.FundingSourceURL = fundingSourceURL
	})

	// 5. BankAccountを保存
	if _, err := s.saveBankAccount(ctx, CreateBankAccountParams{
		UserID:           user.ID,
		BankID:           access.ItemID,
		AccountID:        account.AccountID,
		AccessToken:      access.AccessToken,
		FundingSourceURL: fundingSourceURL,
		ShareableID:      EncryptID(account.AccountID),
	}); err != nil {
		return nil, s.stepFailed(ctx, op, StepPersist, attempt, err)
	}
	s.stepSucceeded(ctx, StepPersist, attempt, func(a *model.LinkAttempt) {
		a.Status = model.LinkAttemptCompleted
	})

	// 6. トップページの再生成を要求（失敗しても連携は完了扱い）
	if err := s.revalidator.Revalidate(ctx, RevalidatePath); err != nil {
		s.metrics.RecordLinkStep(StepRevalidate, string(model.Classify(err)))
		slog.Warn("キャッシュ無効化に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.metrics.RecordLinkStep(StepRevalidate, metrics.OutcomeSuccess)
	}

	s.metrics.RecordOperation(op, metrics.OutcomeSuccess)
	slog.Info("口座連携が完了しました",
		slog.String("user_id", user.ID),
		slog.String("item_id", access.ItemID),
	)

	// 7. 完了マーカーを返す
	return &ExchangeResult{PublicTokenExchange: "complete"}, nil
}

// CreateBankAccountParams はBankAccount作成の入力。
type CreateBankAccountParams struct {
	UserID           string
	BankID           string
	AccountID        string
	AccessToken      string
	FundingSourceURL string
	ShareableID      string
}

// CreateBankAccount はBankAccountを保存する。
func (s *Service) CreateBankAccount(ctx context.Context, params CreateBankAccountParams) (*model.BankAccount, error) {
	const op = "create_bank_account"

	account, err := s.saveBankAccount(ctx, params)
	if err != nil {
		return nil, s.fail(op, model.NewOperationError(op, "persist", err))
	}

	s.metrics.RecordOperation(op, metrics.OutcomeSuccess)
	return account, nil
}

// saveBankAccount はログやメトリクスを記録せずにBankAccountを保存する。
func (s *Service) saveBankAccount(ctx context.Context, params CreateBankAccountParams) (*model.BankAccount, error) {
	account := &model.BankAccount{
		UserID:           params.UserID,
		BankID:           params.BankID,
		AccountID:        params.AccountID,
		AccessToken:      params.AccessToken,
		FundingSourceURL: params.FundingSourceURL,
		ShareableID:      params.ShareableID,
	}
	if err := s.bankRepo.Create(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// GetBanks はユーザードキュメントIDに紐付く連携済み口座を返す。
func (s *Service) GetBanks(ctx context.Context, userID string) ([]*model.BankAccount, error) {
	const op = "get_banks"

	banks, err := s.bankRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, s.fail(op, model.NewOperationError(op, "list", err))
	}
	return banks, nil
}

// AccountSummary は連携済み口座の残高情報。
type AccountSummary struct {
	ID               string          `json:"id"`
	BankID           string          `json:"bankId"`
	ShareableID      string          `json:"shareableId"`
	Name             string          `json:"name"`
	OfficialName     string          `json:"officialName"`
	Mask             string          `json:"mask"`
	Type             string          `json:"type"`
	Subtype          string          `json:"subtype"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	CurrentBalance   decimal.Decimal `json:"currentBalance"`
}

// AccountsOverview は口座一覧と合計残高。
type AccountsOverview struct {
	Accounts            []AccountSummary `json:"data"`
	TotalBanks          int              `json:"totalBanks"`
	TotalCurrentBalance decimal.Decimal  `json:"totalCurrentBalance"`
}

// GetAccounts はユーザーの連携済み口座ごとにアグリゲーターから最新の残高を取得し、合計を返す。
// 各BankAccountについて、保存されたaccountIdに一致する口座の残高を使う。
func (s *Service) GetAccounts(ctx context.Context, user *model.User) (*AccountsOverview, error) {
	const op = "get_accounts"
	if user == nil {
		return nil, s.fail(op, &model.OperationError{Op: op, Kind: model.FailureUnauthenticated, Err: model.ErrSessionNotFound})
	}

	banks, err := s.bankRepo.ListByUserID(ctx, user.ID)
	if err != nil {
		return nil, s.fail(op, model.NewOperationError(op, "list", err))
	}

	overview := &AccountsOverview{Accounts: make([]AccountSummary, 0, len(banks))}
	for _, b := range banks {
		linked, err := s.aggregator.GetAccounts(ctx, b.AccessToken)
		if err != nil {
			return nil, s.fail(op, model.NewOperationError(op, StepGetAccounts, err))
		}

		for _, a := range linked {
			if a.AccountID != b.AccountID {
				continue
			}
			overview.Accounts = append(overview.Accounts, AccountSummary{
				ID:               b.ID,
				BankID:           b.BankID,
				ShareableID:      b.ShareableID,
				Name:             a.Name,
				OfficialName:     a.OfficialName,
				Mask:             a.Mask,
				Type:             a.Type,
				Subtype:          a.Subtype,
				AvailableBalance: a.AvailableBalance,
				CurrentBalance:   a.CurrentBalance,
			})
			overview.TotalCurrentBalance = overview.TotalCurrentBalance.Add(a.CurrentBalance)
			break
		}
	}
	overview.TotalBanks = len(overview.Accounts)

	return overview, nil
}

// EncryptID は口座IDをクライアントに公開できる共有IDに変換する。
// 可逆な難読化であり、秘匿を目的とした暗号化ではない。
// フロントエンドのbtoaと同じくパディング付きの標準Base64で符号化する。
func EncryptID(id string) string {
	return base64.StdEncoding.EncodeToString([]byte(id))
}

// DecryptID は共有IDを元の口座IDに戻す。
func DecryptID(shareableID string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(shareableID)
	if err != nil {
		return "", fmt.Errorf("invalid shareable id: %w", err)
	}
	return string(b), nil
}

// startAttempt は連携試行の記録を開始する。記録に失敗しても連携処理は続行する。
func (s *Service) startAttempt(ctx context.Context, userID string) *model.LinkAttempt {
	if s.attemptRepo == nil {
		return nil
	}
	attempt := &model.LinkAttempt{UserID: userID, Status: model.LinkAttemptStarted}
	if err := s.attemptRepo.Create(ctx, attempt); err != nil {
		slog.Warn("連携試行の記録に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return attempt
}

// stepSucceeded はステップ成功をメトリクスと連携試行に記録する。
func (s *Service) stepSucceeded(ctx context.Context, step string, attempt *model.LinkAttempt, apply func(*model.LinkAttempt)) {
	s.metrics.RecordLinkStep(step, metrics.OutcomeSuccess)
	if attempt == nil {
		return
	}
	apply(attempt)
	s.saveAttempt(ctx, attempt)
}

// stepFailed はステップ失敗を記録し、呼び出し元に返すOperationErrorを生成する。
// ファンディングソース作成後の失敗は、決済プロセッサー側にだけ残るためorphanedとして記録する。
func (s *Service) stepFailed(ctx context.Context, op, step string, attempt *model.LinkAttempt, err error) error {
	opErr := model.NewOperationError(op, step, err)
	var inner *model.OperationError
	if errors.As(err, &inner) {
		opErr = &model.OperationError{Op: op, Step: step, Kind: inner.Kind, Err: inner.Err}
	}
	s.metrics.RecordLinkStep(step, string(opErr.Kind))

	if attempt != nil {
		attempt.Status = model.LinkAttemptFailed
		if attempt.FundingSourceURL != "" {
			attempt.Status = model.LinkAttemptOrphaned
		}
		attempt.ErrorMessage = fmt.Sprintf("%s: %v", step, opErr.Err)
		s.saveAttempt(ctx, attempt)
	}
	return s.fail(op, opErr)
}

func (s *Service) saveAttempt(ctx context.Context, attempt *model.LinkAttempt) {
	attempt.UpdatedAt = time.Now()
	if err := s.attemptRepo.Update(ctx, attempt); err != nil {
		slog.Warn("連携試行の更新に失敗しました",
			slog.String("attempt_id", attempt.ID),
			slog.String("status", string(attempt.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// fail は操作の失敗をログとメトリクスに記録してそのまま返す。
func (s *Service) fail(op string, err *model.OperationError) error {
	s.metrics.RecordOperation(op, string(err.Kind))
	slog.Error("操作に失敗しました",
		slog.String("operation", op),
		slog.String("step", err.Step),
		slog.String("kind", string(err.Kind)),
		slog.String("error", err.Error()),
	)
	return err
}
