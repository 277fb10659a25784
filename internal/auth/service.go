// Package auth はメールアドレスとパスワードによる認証、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/homework/internal/model"
	"github.com/hitoshi/homework/internal/repository"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 256
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	BcryptCost    int // 0の場合はbcrypt.DefaultCost
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	accountRepo repository.AccountRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	accountRepo repository.AccountRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		accountRepo: accountRepo,
		sessionRepo: sessionRepo,
		config:      config,
	}
}

// CreateAccount はアカウントを作成する。
// メールアドレスが登録済みの場合はmodel.ErrDuplicateAccountを返す。
func (s *Service) CreateAccount(ctx context.Context, email, password, name string) (*model.Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return nil, model.ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.accountRepo.Create(ctx, account); err != nil {
		if errors.Is(err, model.ErrDuplicateAccount) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	slog.Info("account created", slog.String("account_id", account.ID))
	return account, nil
}

// CreateEmailPasswordSession はメールアドレスとパスワードを検証し、セッションを発行する。
// アカウントが存在しない場合とパスワード不一致の場合は区別せずmodel.ErrInvalidCredentialsを返す。
func (s *Service) CreateEmailPasswordSession(ctx context.Context, email, password string) (*model.Session, error) {
	account, err := s.accountRepo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, model.ErrInvalidCredentials
	}

	session, err := s.createSession(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("session created", slog.String("account_id", account.ID))
	return session, nil
}

// GetAccount はセッションシークレットから現在のアカウントを取得する。
// セッションが無効な場合はmodel.ErrSessionNotFoundを返す。
func (s *Service) GetAccount(ctx context.Context, secret string) (*model.Account, error) {
	session, err := s.GetSession(ctx, secret)
	if err != nil {
		return nil, err
	}

	account, err := s.accountRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.ErrSessionNotFound
	}

	return account, nil
}

// GetSession はセッションシークレットから有効なセッションを取得する。
func (s *Service) GetSession(ctx context.Context, secret string) (*model.Session, error) {
	if secret == "" {
		return nil, model.ErrSessionNotFound
	}

	session, err := s.sessionRepo.FindByID(ctx, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.ErrSessionNotFound
	}

	return session, nil
}

// DeleteSession はセッションを破棄する。
// 該当セッションが存在しない場合はmodel.ErrSessionNotFoundを返す。
func (s *Service) DeleteSession(ctx context.Context, secret string) error {
	if secret == "" {
		return model.ErrSessionNotFound
	}

	n, err := s.sessionRepo.DeleteByID(ctx, secret)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n == 0 {
		return model.ErrSessionNotFound
	}

	slog.Info("session deleted")
	return nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, accountID string) (*model.Session, error) {
	secret, err := generateSessionSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session secret: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:        secret,
		UserID:    accountID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// normalizeEmail はメールアドレスの形式を検証し、前後の空白を除去して返す。
func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.ErrInvalidEmail
	}
	return email, nil
}

// generateSessionSecret は暗号的に安全なセッションシークレットを生成する。
func generateSessionSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
