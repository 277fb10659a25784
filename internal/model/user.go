package model

import "time"

// Account は認証基盤が管理するログインアカウントを表す。
// パスワードはbcryptハッシュのみを保持する。
type Account struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// User は認証アカウントと決済プロセッサーの顧客情報を紐付けるユーザードキュメント。
// IDはドキュメントID、UserIDは認証アカウントのIDを指す。
type User struct {
	ID                string    `json:"$id"`
	UserID            string    `json:"userId"`
	Email             string    `json:"email"`
	FirstName         string    `json:"firstName"`
	LastName          string    `json:"lastName"`
	DwollaCustomerID  string    `json:"dwollaCustomerId"`
	DwollaCustomerURL string    `json:"dwollaCustomerUrl"`
	CreatedAt         time.Time `json:"createdAt"`
}

// FullName は「名 姓」形式の表示名を返す。
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}

// Session はユーザーのログインセッションを表す。
// IDはCookieに格納されるシークレットそのもの。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
