package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound は指定されたIDの鍵メタデータが存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrValidation は入力値が不正な場合のエラー。
	ErrValidation = errors.New("validation failed")

	// ErrProvider はセキュアキーストア（HSM/KMS）の操作に失敗した場合のエラー。
	ErrProvider = errors.New("key store provider error")

	// ErrRepository はメタデータリポジトリの操作に失敗した場合のエラー。
	ErrRepository = errors.New("key repository error")

	// ErrInconsistentState はキーストアとリポジトリの対応関係が崩れた場合のエラー。
	ErrInconsistentState = errors.New("key store and repository are inconsistent")

	// ErrPrivateKeyNotFound はキーストアに指定されたハンドルの秘密鍵が存在しない場合のエラー。
	ErrPrivateKeyNotFound = errors.New("private key not found in key store")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// 入力検証エラー。いずれも errors.Is(err, ErrValidation) が真になる。
var (
	ErrUnsupportedAlgorithm = fmt.Errorf("%w: unsupported algorithm", ErrValidation)
	ErrInvalidPagination    = fmt.Errorf("%w: page and pageSize must be positive", ErrValidation)
	ErrInvalidEncoding      = fmt.Errorf("%w: invalid base64 payload", ErrValidation)
	ErrInvalidDigest        = fmt.Errorf("%w: invalid digest length", ErrValidation)
	ErrInvalidCertificate   = fmt.Errorf("%w: invalid certificate", ErrValidation)
	ErrCertificateMismatch  = fmt.Errorf("%w: certificate does not match key", ErrValidation)
	ErrInvalidKeyName       = fmt.Errorf("%w: invalid key name", ErrValidation)
)
