// Package model はドメインモデルを定義する。
package model

import (
	"context"
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, banking, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// FailureKind は操作失敗の分類。
// 呼び出し元は結果の有無ではなくこの分類で分岐する。
type FailureKind string

const (
	FailureInvalidInput    FailureKind = "invalid_input"
	FailureUnauthenticated FailureKind = "unauthenticated"
	FailureNotFound        FailureKind = "not_found"
	FailureRejected        FailureKind = "rejected"    // 外部サービスが拒否（認証情報不正、重複、クォータ）
	FailureUnavailable     FailureKind = "unavailable" // 通信失敗、外部サービスの5xx、タイムアウト
	FailurePrecondition    FailureKind = "precondition"
	FailureInternal        FailureKind = "internal"
)

// OperationError はオーケストレーション操作の失敗を表す。
// どの操作のどのステップで失敗したかを保持する。
type OperationError struct {
	Op   string
	Step string
	Kind FailureKind
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *OperationError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *OperationError) Unwrap() error {
	return e.Err
}

// UpstreamError は外部サービス（アグリゲーター、決済プロセッサー、通知先）が
// 2xx以外を返した場合のエラー。
type UpstreamError struct {
	Service    string
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s returned status %d (%s): %s", e.Service, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Message)
}

// 認証基盤が返す定義済みエラー。
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateAccount   = errors.New("account with the same email already exists")
	ErrSessionNotFound    = errors.New("session not found or expired")
	ErrInvalidPassword    = errors.New("password must be between 8 and 256 characters")
	ErrInvalidEmail       = errors.New("invalid email address")
)

// NewOperationError はerrから失敗分類を推定してOperationErrorを生成する。
func NewOperationError(op, step string, err error) *OperationError {
	return &OperationError{Op: op, Step: step, Kind: Classify(err), Err: err}
}

// NewPreconditionError は明示的な事前条件違反のOperationErrorを生成する。
func NewPreconditionError(op, step, message string) *OperationError {
	return &OperationError{Op: op, Step: step, Kind: FailurePrecondition, Err: errors.New(message)}
}

// Classify はエラーを失敗分類に変換する。
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}

	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.Kind != "" {
		return opErr.Kind
	}

	switch {
	case errors.Is(err, ErrInvalidPassword), errors.Is(err, ErrInvalidEmail):
		return FailureInvalidInput
	case errors.Is(err, ErrSessionNotFound):
		return FailureUnauthenticated
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrDuplicateAccount):
		return FailureRejected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return FailureUnavailable
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		if upErr.StatusCode >= 500 {
			return FailureUnavailable
		}
		return FailureRejected
	}

	return FailureUnavailable
}

// KindOf はerrに含まれる失敗分類を返す。分類できない場合はFailureInternal。
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.Kind != "" {
		return opErr.Kind
	}
	return FailureInternal
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeUserNotFound   = "USER_NOT_FOUND"
	ErrCodeRejected       = "UPSTREAM_REJECTED"
	ErrCodeUnavailable    = "UPSTREAM_UNAVAILABLE"
	ErrCodePrecondition   = "PRECONDITION_FAILED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication is required.",
		Category: "auth",
		Action:   "Sign in and try again.",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Check the request body and try again.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found.",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewAPIErrorFromKind は失敗分類からHTTPレスポンス用のAPIErrorを生成する。
// 内部の詳細はメッセージに含めない。
func NewAPIErrorFromKind(kind FailureKind) *APIError {
	switch kind {
	case FailureInvalidInput:
		return NewInvalidRequestError("the submitted values were not accepted")
	case FailureUnauthenticated:
		return NewUnauthorizedError()
	case FailureNotFound:
		return NewUserNotFoundError()
	case FailureRejected:
		return &APIError{
			Code:     ErrCodeRejected,
			Message:  "The request was rejected by an upstream service.",
			Category: "banking",
			Action:   "Check the submitted details. If the problem persists, contact support.",
		}
	case FailureUnavailable:
		return &APIError{
			Code:     ErrCodeUnavailable,
			Message:  "An upstream service is temporarily unavailable.",
			Category: "system",
			Action:   "Wait a moment and try again.",
		}
	case FailurePrecondition:
		return &APIError{
			Code:     ErrCodePrecondition,
			Message:  "The operation could not be completed.",
			Category: "banking",
			Action:   "Start the linking flow again.",
		}
	default:
		return &APIError{
			Code:     ErrCodeInternal,
			Message:  "An internal error occurred.",
			Category: "system",
			Action:   "Wait a moment and try again.",
		}
	}
}
