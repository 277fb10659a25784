package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BankAccount はアグリゲーター経由で連携された銀行口座を表す。
// 同一 (UserID, BankID) の重複登録は許容される（一意制約なし）。
type BankAccount struct {
	ID               string    `json:"$id"`
	UserID           string    `json:"userId"`
	BankID           string    `json:"bankId"` // アグリゲーターのitem ID
	AccountID        string    `json:"accountId"`
	AccessToken      string    `json:"-"`
	FundingSourceURL string    `json:"fundingSourceUrl"`
	ShareableID      string    `json:"shareableId"`
	CreatedAt        time.Time `json:"createdAt"`
}

// LinkedAccount はアグリゲーターが返す口座情報を表す。
type LinkedAccount struct {
	AccountID        string
	Name             string
	OfficialName     string
	Mask             string
	Type             string
	Subtype          string
	AvailableBalance decimal.Decimal
	CurrentBalance   decimal.Decimal
	CurrencyCode     string
}

// LinkAttemptStatus は口座連携フローの進捗状態。
type LinkAttemptStatus string

const (
	LinkAttemptStarted              LinkAttemptStatus = "started"
	LinkAttemptAccessTokenIssued    LinkAttemptStatus = "access_token_issued"
	LinkAttemptProcessorTokenIssued LinkAttemptStatus = "processor_token_issued"
	LinkAttemptFundingSourceCreated LinkAttemptStatus = "funding_source_created"
	LinkAttemptCompleted            LinkAttemptStatus = "completed"
	LinkAttemptFailed               LinkAttemptStatus = "failed"
	LinkAttemptOrphaned             LinkAttemptStatus = "orphaned" // ファンディングソース作成後に失敗
)

// LinkAttempt は公開トークン交換フローの各ステップを記録する意図ログ。
// プロセッサー側にだけファンディングソースが残った場合の調査に使う。
type LinkAttempt struct {
	ID               string
	UserID           string
	ItemID           string
	AccountID        string
	Status           LinkAttemptStatus
	FundingSourceURL string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
