package bank

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/homework/internal/model"
	"github.com/hitoshi/homework/internal/plaid"
	"github.com/hitoshi/homework/internal/repository"
)

// --- モック定義 ---

type mockAggregator struct {
	linkTokenReq         plaid.LinkTokenRequest
	processorTokenCalls  int
	createLinkTokenFn    func(ctx context.Context, req plaid.LinkTokenRequest) (*plaid.LinkToken, error)
	exchangeFn           func(ctx context.Context, publicToken string) (*plaid.ItemAccess, error)
	getAccountsFn        func(ctx context.Context, accessToken string) ([]model.LinkedAccount, error)
	createProcessorTokFn func(ctx context.Context, accessToken, accountID, processor string) (string, error)
}

func (m *mockAggregator) CreateLinkToken(ctx context.Context, req plaid.LinkTokenRequest) (*plaid.LinkToken, error) {
	m.linkTokenReq = req
	if m.createLinkTokenFn != nil {
		return m.createLinkTokenFn(ctx, req)
	}
	return &plaid.LinkToken{LinkToken: "link-sandbox-1"}, nil
}

func (m *mockAggregator) ExchangePublicToken(ctx context.Context, publicToken string) (*plaid.ItemAccess, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, publicToken)
	}
	return &plaid.ItemAccess{AccessToken: "A", ItemID: "I"}, nil
}

func (m *mockAggregator) GetAccounts(ctx context.Context, accessToken string) ([]model.LinkedAccount, error) {
	if m.getAccountsFn != nil {
		return m.getAccountsFn(ctx, accessToken)
	}
	return []model.LinkedAccount{{AccountID: "ACC1", Name: "Plaid Checking"}}, nil
}

func (m *mockAggregator) CreateProcessorToken(ctx context.Context, accessToken, accountID, processor string) (string, error) {
	m.processorTokenCalls++
	if m.createProcessorTokFn != nil {
		return m.createProcessorTokFn(ctx, accessToken, accountID, processor)
	}
	return "processor-sandbox-1", nil
}

type mockProcessor struct {
	calls              int
	addFundingSourceFn func(ctx context.Context, customerID, processorToken, bankName string) (string, error)
}

func (m *mockProcessor) AddFundingSource(ctx context.Context, customerID, processorToken, bankName string) (string, error) {
	m.calls++
	if m.addFundingSourceFn != nil {
		return m.addFundingSourceFn(ctx, customerID, processorToken, bankName)
	}
	return "https://api-sandbox.dwolla.com/funding-sources/fs-1", nil
}

type mockBankRepo struct {
	created        []*model.BankAccount
	createFn       func(ctx context.Context, account *model.BankAccount) error
	listByUserIDFn func(ctx context.Context, userID string) ([]*model.BankAccount, error)
}

func (m *mockBankRepo) Create(ctx context.Context, account *model.BankAccount) error {
	if m.createFn != nil {
		if err := m.createFn(ctx, account); err != nil {
			return err
		}
	}
	account.ID = "bank-1"
	m.created = append(m.created, account)
	return nil
}

func (m *mockBankRepo) ListByUserID(ctx context.Context, userID string) ([]*model.BankAccount, error) {
	if m.listByUserIDFn != nil {
		return m.listByUserIDFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockBankRepo) FindByID(ctx context.Context, id string) (*model.BankAccount, error) {
	return nil, nil
}

type mockAttemptRepo struct {
	statuses []model.LinkAttemptStatus
	last     model.LinkAttempt
	createFn func(ctx context.Context, attempt *model.LinkAttempt) error
}

func (m *mockAttemptRepo) Create(ctx context.Context, attempt *model.LinkAttempt) error {
	if m.createFn != nil {
		return m.createFn(ctx, attempt)
	}
	attempt.ID = "attempt-1"
	m.statuses = append(m.statuses, attempt.Status)
	m.last = *attempt
	return nil
}

func (m *mockAttemptRepo) Update(ctx context.Context, attempt *model.LinkAttempt) error {
	m.statuses = append(m.statuses, attempt.Status)
	m.last = *attempt
	return nil
}

func (m *mockAttemptRepo) ListStale(ctx context.Context, updatedBefore time.Time) ([]*model.LinkAttempt, error) {
	return nil, nil
}

type fakeRevalidator struct {
	paths []string
	err   error
}

func (f *fakeRevalidator) Revalidate(ctx context.Context, path string) error {
	f.paths = append(f.paths, path)
	return f.err
}

type fakeMetrics struct {
	steps      map[string]string
	operations []string
}

func (f *fakeMetrics) RecordOperation(op, outcome string) {
	f.operations = append(f.operations, op+":"+outcome)
}
func (f *fakeMetrics) RecordLinkStep(step, outcome string) {
	if f.steps == nil {
		f.steps = make(map[string]string)
	}
	f.steps[step] = outcome
}
func (f *fakeMetrics) RecordUpstreamLatency(string, string, int, time.Duration) {}
func (f *fakeMetrics) RecordHTTPStatus(int) {}
func (f *fakeMetrics) RecordSessionsPurged(int64) {}
func (f *fakeMetrics) SetStaleLinkAttempts(int) {}

// --- compile-time interface checks ---
var _ repository.BankAccountRepository = (*mockBankRepo)(nil)
var _ repository.LinkAttemptRepository = (*mockAttemptRepo)(nil)
var _ Aggregator = (*mockAggregator)(nil)
var _ FundingSourceCreator = (*mockProcessor)(nil)

type fixture struct {
	aggregator  *mockAggregator
	processor   *mockProcessor
	banks       *mockBankRepo
	attempts    *mockAttemptRepo
	revalidator *fakeRevalidator
	metrics     *fakeMetrics
}

func newFixture() *fixture {
	return &fixture{
		aggregator:  &mockAggregator{},
		processor:   &mockProcessor{},
		banks:       &mockBankRepo{},
		attempts:    &mockAttemptRepo{},
		revalidator: &fakeRevalidator{},
		metrics:     &fakeMetrics{},
	}
}

func (f *fixture) service() *Service {
	return NewService(f.aggregator, f.processor, f.banks, f.attempts, f.revalidator, f.metrics)
}

var testUser = &model.User{
	ID:               "doc-1",
	UserID:           "account-1",
	FirstName:        "Jane",
	LastName:         "Doe",
	DwollaCustomerID: "cust-1",
}

// --- テスト ---

func TestCreateLinkToken_RequestsAuthScopeForUser(t *testing.T) {
	f := newFixture()

	token, err := f.service().CreateLinkToken(context.Background(), testUser)
	if err != nil {
		t.Fatalf("CreateLinkToken() error = %v", err)
	}
	if token != "link-sandbox-1" {
		t.Errorf("token = %q, want %q", token, "link-sandbox-1")
	}

	req := f.aggregator.linkTokenReq
	if req.ClientUserID != "doc-1" {
		t.Errorf("ClientUserID = %q, want %q", req.ClientUserID, "doc-1")
	}
	if req.ClientName != "Jane Doe" {
		t.Errorf("ClientName = %q, want %q", req.ClientName, "Jane Doe")
	}
	if len(req.Products) != 1 || req.Products[0] != "auth" {
		t.Errorf("Products = %v, want [auth]", req.Products)
	}
	if req.Language != "en" {
		t.Errorf("Language = %q, want en", req.Language)
	}
	if len(req.CountryCodes) != 1 || req.CountryCodes[0] != "US" {
		t.Errorf("CountryCodes = %v, want [US]", req.CountryCodes)
	}
}

func TestCreateLinkToken_NoUser_IsUnauthenticated(t *testing.T) {
	f := newFixture()

	_, err := f.service().CreateLinkToken(context.Background(), nil)
	if model.KindOf(err) != model.FailureUnauthenticated {
		t.Errorf("KindOf = %q, want %q", model.KindOf(err), model.FailureUnauthenticated)
	}
}

func TestExchangePublicToken_Success_PersistsBankAccount(t *testing.T) {
	f := newFixture()
	var gotCustomerID, gotProcessorToken, gotBankName, gotProcessor string
	f.aggregator.createProcessorTokFn = func(ctx context.Context, accessToken, accountID, processor string) (string, error) {
		if accessToken != "A" || accountID != "ACC1" {
			t.Errorf("CreateProcessorToken(%q, %q)", accessToken, accountID)
		}
		gotProcessor = processor
		return "processor-sandbox-1", nil
	}
	f.processor.addFundingSourceFn = func(ctx context.Context, customerID, processorToken, bankName string) (string, error) {
		gotCustomerID, gotProcessorToken, gotBankName = customerID, processorToken, bankName
		return "https://api-sandbox.dwolla.com/funding-sources/fs-1", nil
	}

	result, err := f.service().ExchangePublicToken(context.Background(), "public-sandbox-1", testUser)
	if err != nil {
		t.Fatalf("ExchangePublicToken() error = %v", err)
	}
	if result.PublicTokenExchange != "complete" {
		t.Errorf("marker = %q, want complete", result.PublicTokenExchange)
	}

	if gotProcessor != "dwolla" {
		t.Errorf("processor = %q, want dwolla", gotProcessor)
	}
	if gotCustomerID != "cust-1" || gotProcessorToken != "processor-sandbox-1" || gotBankName != "Plaid Checking" {
		t.Errorf("AddFundingSource(%q, %q, %q)", gotCustomerID, gotProcessorToken, gotBankName)
	}

	if len(f.banks.created) != 1 {
		t.Fatalf("created bank accounts = %d, want 1", len(f.banks.created))
	}
	b := f.banks.created[0]
	if b.UserID != "doc-1" {
		t.Errorf("UserID = %q, want doc-1", b.UserID)
	}
	if b.BankID != "I" {
		t.Errorf("BankID = %q, want I", b.BankID)
	}
	if b.AccountID != "ACC1" {
		t.Errorf("AccountID = %q, want ACC1", b.AccountID)
	}
	if b.AccessToken != "A" {
		t.Errorf("AccessToken = %q, want A", b.AccessToken)
	}
	if b.FundingSourceURL != "https://api-sandbox.dwolla.com/funding-sources/fs-1" {
		t.Errorf("FundingSourceURL = %q", b.FundingSourceURL)
	}
	if b.ShareableID != EncryptID("ACC1") {
		t.Errorf("ShareableID = %q, want %q", b.ShareableID, EncryptID("ACC1"))
	}
	if b.ShareableID == "ACC1" {
		t.Error("ShareableID must not equal the raw account id")
	}

	if len(f.revalidator.paths) != 1 || f.revalidator.paths[0] != "/" {
		t.Errorf("revalidated paths = %v, want [/]", f.revalidator.paths)
	}

	wantStatuses := []model.LinkAttemptStatus{
		model.LinkAttemptStarted,
		model.LinkAttemptAccessTokenIssued,
		model.LinkAttemptAccessTokenIssued, // 口座IDの記録
		model.LinkAttemptProcessorTokenIssued,
		model.LinkAttemptFundingSourceCreated,
		model.LinkAttemptCompleted,
	}
	if len(f.attempts.statuses) != len(wantStatuses) {
		t.Fatalf("attempt statuses = %v, want %v", f.attempts.statuses, wantStatuses)
	}
	for i, want := range wantStatuses {
		if f.attempts.statuses[i] != want {
			t.Errorf("attempt status[%d] = %q, want %q", i, f.attempts.statuses[i], want)
		}
	}
	if f.attempts.last.ItemID != "I" || f.attempts.last.AccountID != "ACC1" {
		t.Errorf("attempt = %+v", f.attempts.last)
	}
}

func TestExchangePublicToken_FundingSourceFailure_PersistsNoBankAccount(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		err      error
		wantKind model.FailureKind
	}{
		{"空のURL", "", nil, model.FailurePrecondition},
		{"プロセッサーが拒否", "", &model.UpstreamError{Service: "dwolla", StatusCode: http.StatusBadRequest}, model.FailureRejected},
		{"プロセッサー障害", "", &model.UpstreamError{Service: "dwolla", StatusCode: http.StatusBadGateway}, model.FailureUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.processor.addFundingSourceFn = func(ctx context.Context, customerID, processorToken, bankName string) (string, error) {
				return tt.url, tt.err
			}

			result, err := f.service().ExchangePublicToken(context.Background(), "public-sandbox-1", testUser)
			if result != nil {
				t.Errorf("result = %+v, want nil", result)
			}

			var opErr *model.OperationError
			if !errors.As(err, &opErr) {
				t.Fatalf("error = %v, want *model.OperationError", err)
			}
			if opErr.Step != StepFundingSource {
				t.Errorf("Step = %q, want %q", opErr.Step, StepFundingSource)
			}
			if opErr.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", opErr.Kind, tt.wantKind)
			}
			if len(f.banks.created) != 0 {
				t.Errorf("created bank accounts = %d, want 0", len(f.banks.created))
			}
			if len(f.revalidator.paths) != 0 {
				t.Error("revalidate must not be triggered")
			}
			if f.attempts.last.Status != model.LinkAttemptFailed {
				t.Errorf("attempt status = %q, want failed", f.attempts.last.Status)
			}
			if f.metrics.steps[StepFundingSource] != string(tt.wantKind) {
				t.Errorf("funding source step outcome = %q, want %q", f.metrics.steps[StepFundingSource], tt.wantKind)
			}
		})
	}
}

func TestExchangePublicToken_NoAccounts_IsPrecondition(t *testing.T) {
	f := newFixture()
	f.aggregator.getAccountsFn = func(ctx context.Context, accessToken string) ([]model.LinkedAccount, error) {
		return nil, nil
	}

	_, err := f.service().ExchangePublicToken(context.Background(), "public-sandbox-1", testUser)
	if model.KindOf(err) != model.FailurePrecondition {
		t.Errorf("KindOf = %q, want %q", model.KindOf(err), model.FailurePrecondition)
	}
	if f.aggregator.processorTokenCalls != 0 {
		t.Error("processor token must not be requested")
	}
	if f.processor.calls != 0 {
		t.Error("funding source must not be created")
	}
}

func TestExchangePublicToken_MultipleAccounts_LinksFirstOnly(t *testing.T) {
	f := newFixture()
	f.aggregator.getAccountsFn = func(ctx context.Context, accessToken string) ([]model.LinkedAccount, error) {
		return []model.LinkedAccount{
			{AccountID: "ACC1", Name: "Checking"},
			{AccountID: "ACC2", Name: "Savings"},
		}, nil
	}

	if _, err := f.service().ExchangePublicToken(context.Background(), "public-sandbox-1", testUser); err != nil {
		t.Fatalf("ExchangePublicToken() error = %v", err)
	}
	if len(f.banks.created) != 1 || f.banks.created[0].AccountID != "ACC1" {
		t.Errorf("created = %+v, want only ACC1", f.banks.created)
	}
}

func TestExchangePublicToken_ExchangeRejected_AbortsRemainingSteps(t *testing.T) {
	f := newFixture()
	f.aggregator.exchangeFn = func(ctx context.Context, publicToken string) (*plaid.ItemAccess, error) {
		return nil, &model.UpstreamError{Service: "plaid", StatusCode: http.StatusBadRequest, Code: "INVALID_PUBLIC_TOKEN"}
	}
	getAccountsCalled := false
	f.aggregator.getAccountsFn = func(ctx context.Context, accessToken string) ([]model.LinkedAccount, error) {
		getAccountsCalled = true
		return nil, nil
	}

	_, err := f.service().ExchangePublicToken(context.Background(), "bad", testUser)
	if model.KindOf(err) != model.FailureRejected {
		t.Errorf("KindOf = %q, want %q", model.KindOf(err), model.FailureRejected)
	}
	if getAccountsCalled || f.aggregator.processorTokenCalls != 0 || f.processor.calls != 0 {
		t.Error("remaining steps must not run")
	}
}

func TestExchangePublicToken_PersistFailure_FailsExchange(t *testing.T) {
	f := newFixture()
	f.banks.createFn = func(ctx context.Context, account *model.BankAccount) error {
		return errors.New("connection reset")
	}

	_, err := f.service().ExchangePublicToken(context.Background(), "public-sandbox-1", testUser)

	var opErr *model.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("error = %v, want *model.OperationError", err)
	}
	if opErr.Op != "exchange_public_token" || opErr.Step != StepPersist {
		t.Errorf("OperationError = %+v, want exchange_public_token/%s", opErr, StepPersist)
	}
	if len(f.revalidator.paths) != 0 {
		t.Error("revalidate must not be triggered")
	}

	// 失敗は交換操作として1回だけ記録される
	want := []string{"exchange_public_token:" + string(opErr.Kind)}
	if len(f.metrics.operations) != 1 || f.metrics.operations[0] != want[0] {
		t.Errorf("operations = %v, want %v", f.metrics.operations, want)
	}
}

func TestExchangePublicToken_PersistFailure_LeavesOrphanedAttempt(t *testing.T) {
	f := newFixture()
	f.banks.createFn = func(ctx context.Context, account *model.BankAccount) error {
		return errors.New("connection reset")
	}

	if _, err := f.service().ExchangePublicToken(context.Background(), "public-sandbox-1", testUser); err == nil {
		t.Fatal("ExchangePublicToken() error = nil, want persist failure")
	}

	last := f.attempts.last
	if last.Status != model.LinkAttemptOrphaned {
		t.Errorf("attempt status = %q, want %q", last.Status, model.LinkAttemptOrphaned)
	}
	if last.FundingSourceURL != "https://api-sandbox.dwolla.com/funding-sources/fs-1" {
		t.Errorf("FundingSourceURL = %q", last.FundingSourceURL)
	}
	if !strings.HasPrefix(last.ErrorMessage, StepPersist+": ") {
		t.Errorf("ErrorMessage = %q, want %s prefix", last.ErrorMessage, StepPersist)
	}
}

func TestCreateBankAccount_Failure_RecordsOwnOperation(t *testing.T) {
	f := newFixture()
	f.banks.createFn = func(ctx context.Context, account *model.BankAccount) error {
		return errors.New("connection reset")
	}

	_, err := f.service().CreateBankAccount(context.Background(), CreateBankAccountParams{UserID: "doc-1", AccountID: "ACC1"})

	var opErr *model.OperationError
	if !errors.As(err, &opErr) || opErr.Op != "create_bank_account" {
		t.Fatalf("error = %v, want create_bank_account OperationError", err)
	}
	if len(f.metrics.operations) != 1 || f.metrics.operations[0] != "create_bank_account:"+string(opErr.Kind) {
		t.Errorf("operations = %v", f.metrics.operations)
	}
}

func TestExchangePublicToken_RevalidateFailure_StillCompletes(t *testing.T) {
	f := newFixture()
	f.revalidator.err = errors.New("revalidate endpoint down")

	result, err := f.service().ExchangePublicToken(context.Background(), "public-sandbox-1", testUser)
	if err != nil {
		t.Fatalf("ExchangePublicToken() error = %v", err)
	}
	if result.PublicTokenExchange != "complete" {
		t.Errorf("marker = %q, want complete", result.PublicTokenExchange)
	}
	if len(f.banks.created) != 1 {
		t.Errorf("created bank accounts = %d, want 1", len(f.banks.created))
	}
}

func TestExchangePublicToken_AttemptLogFailure_DoesNotBlock(t *testing.T) {
	f := newFixture()
	f.attempts.createFn = func(ctx context.Context, attempt *model.LinkAttempt) error {
		return errors.New("link_attempts unavailable")
	}

	if _, err := f.service().ExchangePublicToken(context.Background(), "public-sandbox-1", testUser); err != nil {
		t.Fatalf("ExchangePublicToken() error = %v", err)
	}
	if len(f.banks.created) != 1 {
		t.Errorf("created bank accounts = %d, want 1", len(f.banks.created))
	}
}

func TestExchangePublicToken_InvalidInput(t *testing.T) {
	tests := []struct {
		name        string
		publicToken string
		user        *model.User
		wantKind    model.FailureKind
	}{
		{"ユーザーなし", "public-sandbox-1", nil, model.FailureUnauthenticated},
		{"空の公開トークン", "", testUser, model.FailureInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.service().ExchangePublicToken(context.Background(), tt.publicToken, tt.user)
			if model.KindOf(err) != tt.wantKind {
				t.Errorf("KindOf = %q, want %q", model.KindOf(err), tt.wantKind)
			}
			if len(f.attempts.statuses) != 0 {
				t.Error("no attempt should be recorded")
			}
		})
	}
}

func TestGetAccounts_SumsCurrentBalances(t *testing.T) {
	f := newFixture()
	f.banks.listByUserIDFn = func(ctx context.Context, userID string) ([]*model.BankAccount, error) {
		return []*model.BankAccount{
			{ID: "bank-1", BankID: "I1", AccountID: "ACC1", AccessToken: "A1", ShareableID: EncryptID("ACC1")},
			{ID: "bank-2", BankID: "I2", AccountID: "ACC3", AccessToken: "A2", ShareableID: EncryptID("ACC3")},
		}, nil
	}
	f.aggregator.getAccountsFn = func(ctx context.Context, accessToken string) ([]model.LinkedAccount, error) {
		switch accessToken {
		case "A1":
			return []model.LinkedAccount{
				{AccountID: "ACC1", Name: "Checking", CurrentBalance: decimal.RequireFromString("110.20")},
				{AccountID: "ACC2", Name: "Savings", CurrentBalance: decimal.RequireFromString("999")},
			}, nil
		default:
			return []model.LinkedAccount{
				{AccountID: "ACC3", Name: "Credit", CurrentBalance: decimal.RequireFromString("0.10")},
			}, nil
		}
	}

	overview, err := f.service().GetAccounts(context.Background(), testUser)
	if err != nil {
		t.Fatalf("GetAccounts() error = %v", err)
	}
	if overview.TotalBanks != 2 {
		t.Errorf("TotalBanks = %d, want 2", overview.TotalBanks)
	}
	if !overview.TotalCurrentBalance.Equal(decimal.RequireFromString("110.30")) {
		t.Errorf("TotalCurrentBalance = %s, want 110.30", overview.TotalCurrentBalance)
	}
	if overview.Accounts[0].Name != "Checking" || overview.Accounts[1].Name != "Credit" {
		t.Errorf("accounts = %+v", overview.Accounts)
	}
}

func TestShareableID_RoundTrip(t *testing.T) {
	for _, id := range []string{"ACC1", "BxBXxLj1m4HMXBm9WZZmCWVbPjX16EHwv99vp", ""} {
		encoded := EncryptID(id)
		if id != "" && encoded == id {
			t.Errorf("EncryptID(%q) returned the raw id", id)
		}
		decoded, err := DecryptID(encoded)
		if err != nil {
			t.Fatalf("DecryptID(%q) error = %v", encoded, err)
		}
		if decoded != id {
			t.Errorf("DecryptID(EncryptID(%q)) = %q", id, decoded)
		}
	}
}

func TestEncryptID_MatchesPaddedStandardBase64(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"ACC1", "QUNDMQ=="},
		{"ACC12", "QUNDMTI="},
		{"a?b>", "YT9iPg=="},
	}

	for _, tt := range tests {
		if got := EncryptID(tt.id); got != tt.want {
			t.Errorf("EncryptID(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestDecryptID_Invalid(t *testing.T) {
	if _, err := DecryptID("not base64!"); err == nil {
		t.Error("expected error for invalid shareable id")
	}
}
