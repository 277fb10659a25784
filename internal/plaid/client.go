// Package plaid は口座アグリゲーター（Plaid）APIのクライアントを提供する。
// リンクトークン発行、公開トークン交換、口座一覧取得、プロセッサートークン発行を扱う。
package plaid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	plaidsdk "github.com/plaid/plaid-go/v29/plaid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/homework/internal/model"
)

const serviceName = "plaid"

var tracer = otel.Tracer("homework/plaid")

// 環境ごとのAPIベースURL。
var baseURLs = map[string]string{
	"sandbox":     string(plaidsdk.Sandbox),
	"development": "https://development.plaid.com",
	"production":  string(plaidsdk.Production),
}

// BaseURLFor は環境名に対応するAPIベースURLを返す。未知の環境はsandboxとして扱う。
func BaseURLFor(env string) string {
	if u, ok := baseURLs[env]; ok {
		return u
	}
	return baseURLs["sandbox"]
}

// LatencyRecorder は外部API呼び出しのレイテンシ記録インターフェース。
type LatencyRecorder interface {
	RecordUpstreamLatency(service, operation string, statusCode int, d time.Duration)
}

// Config はPlaidクライアントの設定。
type Config struct {
	ClientID string
	Secret   string
	Env      string
	BaseURL  string // テスト用に差し替え可能。空の場合はEnvから決まる
}

// Client はPlaid APIのクライアント。
type Client struct {
	api     *plaidsdk.PlaidApiService
	logger  *slog.Logger
	metrics LatencyRecorder
}

// NewClient はClientを生成する。metricsはnilでもよい。
// 認証情報はリクエストヘッダーで送られ、通信はhttpClientを経由する。
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger, metrics LatencyRecorder) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = BaseURLFor(cfg.Env)
	}

	conf := plaidsdk.NewConfiguration()
	conf.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	conf.AddDefaultHeader("PLAID-SECRET", cfg.Secret)
	conf.UseEnvironment(plaidsdk.Environment(strings.TrimRight(baseURL, "/")))
	conf.HTTPClient = httpClient

	return &Client{
		api:     plaidsdk.NewAPIClient(conf).PlaidApi,
		logger:  logger,
		metrics: metrics,
	}
}

// LinkTokenRequest はリンクトークン発行のパラメータ。
type LinkTokenRequest struct {
	ClientUserID string
	ClientName   string
	Products     []string
	Language     string
	CountryCodes []string
}

// LinkToken は発行されたリンクトークン。
type LinkToken struct {
	LinkToken  string
	Expiration time.Time
	RequestID  string
}

// ItemAccess は公開トークン交換で得られるアクセストークンとitem ID。
type ItemAccess struct {
	AccessToken string
	ItemID      string
	RequestID   string
}

// CreateLinkToken はクライアント向けのリンクトークンを発行する。
func (c *Client) CreateLinkToken(ctx context.Context, req LinkTokenRequest) (*LinkToken, error) {
	countryCodes := make([]plaidsdk.CountryCode, 0, len(req.CountryCodes))
	for _, cc := range req.CountryCodes {
		countryCodes = append(countryCodes, plaidsdk.CountryCode(cc))
	}
	products := make([]plaidsdk.Products, 0, len(req.Products))
	for _, p := range req.Products {
		products = append(products, plaidsdk.Products(p))
	}

	request := plaidsdk.NewLinkTokenCreateRequest(
		req.ClientName,
		req.Language,
		countryCodes,
		plaidsdk.LinkTokenCreateRequestUser{ClientUserId: req.ClientUserID},
	)
	request.SetProducts(products)

	var resp plaidsdk.LinkTokenCreateResponse
	err := c.call(ctx, "link_token_create", func(ctx context.Context) (*http.Response, error) {
		r, httpResp, err := c.api.LinkTokenCreate(ctx).LinkTokenCreateRequest(*request).Execute()
		resp = r
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}
	if resp.GetLinkToken() == "" {
		return nil, fmt.Errorf("plaid returned an empty link token")
	}
	return &LinkToken{
		LinkToken:  resp.GetLinkToken(),
		Expiration: resp.GetExpiration(),
		RequestID:  resp.GetRequestId(),
	}, nil
}

// ExchangePublicToken は公開トークンをアクセストークンとitem IDに交換する。
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*ItemAccess, error) {
	request := plaidsdk.NewItemPublicTokenExchangeRequest(publicToken)

	var resp plaidsdk.ItemPublicTokenExchangeResponse
	err := c.call(ctx, "item_public_token_exchange", func(ctx context.Context) (*http.Response, error) {
		r, httpResp, err := c.api.ItemPublicTokenExchange(ctx).ItemPublicTokenExchangeRequest(*request).Execute()
		resp = r
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}
	if resp.GetAccessToken() == "" || resp.GetItemId() == "" {
		return nil, fmt.Errorf("plaid returned an incomplete token exchange response")
	}
	return &ItemAccess{
		AccessToken: resp.GetAccessToken(),
		ItemID:      resp.GetItemId(),
		RequestID:   resp.GetRequestId(),
	}, nil
}

// GetAccounts はアクセストークンに紐付く口座一覧を、アグリゲーターが返した順序のまま返す。
// 残高がnullの場合はゼロとして扱う。
func (c *Client) GetAccounts(ctx context.Context, accessToken string) ([]model.LinkedAccount, error) {
	request := plaidsdk.NewAccountsGetRequest(accessToken)

	var resp plaidsdk.AccountsGetResponse
	err := c.call(ctx, "accounts_get", func(ctx context.Context) (*http.Response, error) {
		r, httpResp, err := c.api.AccountsGet(ctx).AccountsGetRequest(*request).Execute()
		resp = r
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}

	accounts := make([]model.LinkedAccount, 0, len(resp.GetAccounts()))
	for _, a := range resp.GetAccounts() {
		balances := a.GetBalances()
		accounts = append(accounts, model.LinkedAccount{
			AccountID:        a.GetAccountId(),
			Name:             a.GetName(),
			OfficialName:     a.GetOfficialName(),
			Mask:             a.GetMask(),
			Type:             string(a.GetType()),
			Subtype:          string(a.GetSubtype()),
			AvailableBalance: decimal.NewFromFloat(balances.GetAvailable()),
			CurrentBalance:   decimal.NewFromFloat(balances.GetCurrent()),
			CurrencyCode:     balances.GetIsoCurrencyCode(),
		})
	}
	return accounts, nil
}

// CreateProcessorToken は指定口座について決済プロセッサー向けのトークンを発行する。
func (c *Client) CreateProcessorToken(ctx context.Context, accessToken, accountID, processor string) (string, error) {
	request := plaidsdk.NewProcessorTokenCreateRequest(accessToken, accountID, processor)

	var resp plaidsdk.ProcessorTokenCreateResponse
	err := c.call(ctx, "processor_token_create", func(ctx context.Context) (*http.Response, error) {
		r, httpResp, err := c.api.ProcessorTokenCreate(ctx).ProcessorTokenCreateRequest(*request).Execute()
		resp = r
		return httpResp, err
	})
	if err != nil {
		return "", err
	}
	if resp.GetProcessorToken() == "" {
		return "", fmt.Errorf("plaid returned an empty processor token")
	}
	return resp.GetProcessorToken(), nil
}

// call はSDK呼び出しをスパンとレイテンシ計測で包み、エラーを分類する。
// 2xx以外の応答はmodel.UpstreamErrorを返す。
func (c *Client) call(ctx context.Context, operation string, do func(ctx context.Context) (*http.Response, error)) (err error) {
	ctx, span := tracer.Start(ctx, "plaid."+operation, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	httpResp, callErr := do(ctx)

	statusCode := 0
	if httpResp != nil {
		statusCode = httpResp.StatusCode
		span.SetAttributes(attribute.Int("http.status_code", statusCode))
	}
	c.recordLatency(operation, statusCode, start)

	if callErr == nil {
		return nil
	}
	if statusCode == 0 {
		c.logger.Error("Plaidへのリクエストに失敗しました",
			slog.String("operation", operation),
			slog.String("error", callErr.Error()),
		)
		return fmt.Errorf("plaid %s request failed: %w", operation, callErr)
	}
	if statusCode >= 200 && statusCode < 300 {
		return fmt.Errorf("failed to decode plaid %s response: %w", operation, callErr)
	}
	return c.upstreamError(operation, statusCode, callErr)
}

// upstreamError はSDKのエラー応答をmodel.UpstreamErrorに変換する。
func (c *Client) upstreamError(operation string, statusCode int, callErr error) error {
	upErr := &model.UpstreamError{
		Service:    serviceName,
		StatusCode: statusCode,
		Message:    http.StatusText(statusCode),
	}

	var apiErr plaidsdk.GenericOpenAPIError
	if errors.As(callErr, &apiErr) {
		if plaidErr, err := plaidsdk.ToPlaidError(apiErr); err == nil {
			upErr.Code = plaidErr.GetErrorCode()
			if msg := plaidErr.GetErrorMessage(); msg != "" {
				upErr.Message = msg
			}
		}
	}

	c.logger.Warn("Plaidがエラーステータスを返しました",
		slog.String("operation", operation),
		slog.Int("http_status", statusCode),
		slog.String("error_code", upErr.Code),
	)
	return upErr
}

func (c *Client) recordLatency(operation string, statusCode int, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamLatency(serviceName, operation, statusCode, time.Since(start))
	}
}
