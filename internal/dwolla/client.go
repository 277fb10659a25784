// Package dwolla は決済プロセッサー（Dwolla）APIのクライアントを提供する。
// 顧客作成、オンデマンド承認、ファンディングソース作成を扱う。
// 認証はOAuth2クライアントクレデンシャルで行い、トークンは期限まで再利用する。
package dwolla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/hitoshi/homework/internal/model"
)

const (
	serviceName = "dwolla"
	halJSON     = "application/vnd.dwolla.v1.hal+json"
)

var tracer = otel.Tracer("homework/dwolla")

// 環境ごとのAPIベースURL。
var baseURLs = map[string]string{
	"sandbox":    "https://api-sandbox.dwolla.com",
	"production": "https://api.dwolla.com",
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

// Config はDwollaクライアントの設定。
type Config struct {
	Key     string
	Secret  string
	Env     string
	BaseURL string // テスト用に差し替え可能。空の場合はEnvから決まる
}

// Client はDwolla APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    LatencyRecorder
	baseURL    string
}

// NewClient はClientを生成する。
// baseClientはトークン取得とAPI呼び出しの両方に使われ、Timeoutは引き継がれる。
func NewClient(cfg Config, baseClient *http.Client, logger *slog.Logger, metrics LatencyRecorder) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = BaseURLFor(cfg.Env)
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cc := &clientcredentials.Config{
		ClientID:     cfg.Key,
		ClientSecret: cfg.Secret,
		TokenURL:     baseURL + "/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, baseClient)
	httpClient := cc.Client(ctx)
	httpClient.Timeout = baseClient.Timeout

	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
		baseURL:    baseURL,
	}
}

// NewCustomer は顧客作成のパラメータ。
type NewCustomer struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email"`
	Type        string `json:"type"`
	Address1    string `json:"address1"`
	City        string `json:"city"`
	State       string `json:"state"`
	PostalCode  string `json:"postalCode"`
	DateOfBirth string `json:"dateOfBirth"`
	SSN         string `json:"ssn"`
}

// CreateCustomer は顧客を作成し、作成された顧客リソースのURLを返す。
func (c *Client) CreateCustomer(ctx context.Context, customer NewCustomer) (string, error) {
	location, _, err := c.post(ctx, "customer_create", c.baseURL+"/customers", customer)
	if err != nil {
		return "", err
	}
	return location, nil
}

// CreateOnDemandAuthorization はファンディングソース作成に必要なオンデマンド承認を作成し、
// 承認リソースのURLを返す。
func (c *Client) CreateOnDemandAuthorization(ctx context.Context) (string, error) {
	_, body, err := c.post(ctx, "on_demand_authorization_create", c.baseURL+"/on-demand-authorizations", struct{}{})
	if err != nil {
		return "", err
	}

	var resp struct {
		Links map[string]struct {
			Href string `json:"href"`
		} `json:"_links"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode on-demand authorization: %w", err)
	}
	href := resp.Links["self"].Href
	if href == "" {
		return "", fmt.Errorf("dwolla returned an on-demand authorization without a self link")
	}
	return href, nil
}

// FundingSourceRequest はファンディングソース作成のパラメータ。
type FundingSourceRequest struct {
	CustomerID               string
	ProcessorToken           string
	Name                     string
	OnDemandAuthorizationURL string
}

// CreateFundingSource は顧客配下にプロセッサートークンからファンディングソースを作成し、
// 作成されたファンディングソースのURLを返す。
func (c *Client) CreateFundingSource(ctx context.Context, req FundingSourceRequest) (string, error) {
	body := map[string]any{
		"plaidToken": req.ProcessorToken,
		"name":       req.Name,
	}
	if req.OnDemandAuthorizationURL != "" {
		body["_links"] = map[string]any{
			"on-demand-authorization": map[string]string{"href": req.OnDemandAuthorizationURL},
		}
	}

	endpoint := c.baseURL + "/customers/" + url.PathEscape(req.CustomerID) + "/funding-sources"
	location, _, err := c.post(ctx, "funding_source_create", endpoint, body)
	if err != nil {
		return "", err
	}
	return location, nil
}

// AddFundingSource はオンデマンド承認を作成したうえでファンディングソースを作成する。
func (c *Client) AddFundingSource(ctx context.Context, customerID, processorToken, bankName string) (string, error) {
	authURL, err := c.CreateOnDemandAuthorization(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create on-demand authorization: %w", err)
	}

	return c.CreateFundingSource(ctx, FundingSourceRequest{
		CustomerID:               customerID,
		ProcessorToken:           processorToken,
		Name:                     bankName,
		OnDemandAuthorizationURL: authURL,
	})
}

// ExtractCustomerID は顧客リソースURLの最終パスセグメントを顧客IDとして返す。
func ExtractCustomerID(customerURL string) string {
	trimmed := strings.TrimRight(customerURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// apiError はDwollaのエラーレスポンス。
type apiError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Embedded struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Path    string `json:"path"`
		} `json:"errors"`
	} `json:"_embedded"`
}

// post はHAL+JSONをPOSTし、Locationヘッダーとレスポンスボディを返す。
// 2xx以外はmodel.UpstreamErrorを返す。
func (c *Client) post(ctx context.Context, operation, endpoint string, payload any) (location string, body []byte, err error) {
	ctx, span := tracer.Start(ctx, "dwolla."+operation, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", halJSON)
	req.Header.Set("Accept", halJSON)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordLatency(operation, 0, start)
		c.logger.Error("Dwollaへのリクエストに失敗しました",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		return "", nil, fmt.Errorf("dwolla %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()
	c.recordLatency(operation, resp.StatusCode, start)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read dwolla %s response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		message := apiErr.Message
		if len(apiErr.Embedded.Errors) > 0 {
			message = apiErr.Embedded.Errors[0].Message
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn("Dwollaがエラーステータスを返しました",
			slog.String("operation", operation),
			slog.Int("http_status", resp.StatusCode),
			slog.String("error_code", apiErr.Code),
		)
		return "", nil, &model.UpstreamError{
			Service:    serviceName,
			StatusCode: resp.StatusCode,
			Code:       apiErr.Code,
			Message:    message,
		}
	}

	return resp.Header.Get("Location"), body, nil
}

func (c *Client) recordLatency(operation string, statusCode int, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamLatency(serviceName, operation, statusCode, time.Since(start))
	}
}
