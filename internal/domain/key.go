// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"time"
	"unicode/utf8"
)

// MaxKeyNameLength は鍵の表示名の最大文字数。
const MaxKeyNameLength = 255

// Key は署名鍵のメタデータを表す。
// ID はセキュアキーストアが秘密鍵を保持するハンドルと同一の値で、両ストアはこの値のみで対応付けられる。
type Key struct {
	ID          string
	Name        string
	Algorithm   string
	PublicKey   string // SubjectPublicKeyInfo DER の Base64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time // 予約フィールド。どの操作も設定しない
	Certificate string     // 証明書 DER の Base64。未割当の場合は空
}

// HasCertificate は証明書が割り当て済みかを返す。
func (k *Key) HasCertificate() bool {
	return k.Certificate != ""
}

// Clone はキーのコピーを返す。
func (k *Key) Clone() *Key {
	c := *k
	if k.DeletedAt != nil {
		t := *k.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// SignHashParams はハッシュ署名のパラメータを表す。
type SignHashParams struct {
	Hash      string // Base64エンコードされたダイジェスト
	Algorithm string // 呼び出し側が想定するアルゴリズム（空の場合は鍵のアルゴリズム）
}

// ValidateKeyName は鍵の表示名を検証する。
func ValidateKeyName(name string) error {
	if name == "" || utf8.RuneCountInString(name) > MaxKeyNameLength {
		return ErrInvalidKeyName
	}
	return nil
}
