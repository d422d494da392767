// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// メタデータリポジトリのドライバ。
const (
	DatabaseDriverMySQL  = "mysql"
	DatabaseDriverSQLite = "sqlite"
	DatabaseDriverMemory = "memory"
)

// セキュアキーストアのバックエンド。
const (
	KeyStoreBackendMemory = "memory"
	KeyStoreBackendPKCS11 = "pkcs11"
	KeyStoreBackendGCPKMS = "gcpkms"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port string `envconfig:"PORT" default:"8080"`

	DatabaseDriver      string `envconfig:"DATABASE_DRIVER" default:"mysql"`
	DatabaseURL         string `envconfig:"DATABASE_URL"`
	DatabaseAutoMigrate bool   `envconfig:"DATABASE_AUTO_MIGRATE" default:"false"`

	KeyStoreBackend     string        `envconfig:"KEYSTORE_BACKEND" default:"pkcs11"`
	KeyStoreCallTimeout time.Duration `envconfig:"KEYSTORE_CALL_TIMEOUT" default:"10s"`

	// PKCS#11モジュール（SoftHSM2 など）
	PKCS11ModulePath string `envconfig:"PKCS11_MODULE_PATH" default:"/usr/local/lib/softhsm/libsofthsm2.so"`
	PKCS11TokenLabel string `envconfig:"PKCS11_TOKEN_LABEL"`
	PKCS11Slot       int    `envconfig:"PKCS11_SLOT" default:"0"`
	PKCS11PIN        string `envconfig:"PKCS11_PIN"`
	PKCS11ReadWrite  bool   `envconfig:"PKCS11_READ_WRITE" default:"true"`

	// Cloud KMS（projects/*/locations/*/keyRings/*）
	KMSKeyRing         string `envconfig:"KMS_KEY_RING"`
	KMSProtectionLevel string `envconfig:"KMS_PROTECTION_LEVEL" default:"HSM"`

	CSRCommonName string `envconfig:"CSR_COMMON_NAME" default:"Test"`

	GoogleCloudProject string `envconfig:"GOOGLE_CLOUD_PROJECT"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"INFO"`

	OtelEnabled      bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OtelEndpoint     string  `envconfig:"OTEL_ENDPOINT" default:"localhost:4317"`
	OtelInsecure     bool    `envconfig:"OTEL_INSECURE" default:"false"`
	OtelServiceName  string  `envconfig:"OTEL_SERVICE_NAME" default:"key-custody-service"`
	OtelSamplingRate float64 `envconfig:"OTEL_SAMPLING_RATE" default:"1.0"`
}

// Load は環境変数から設定を読み込み、検証する。
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate はバックエンドごとの必須項目を検証する。
func (c *Config) Validate() error {
	var errs []error

	switch c.DatabaseDriver {
	case DatabaseDriverMySQL, DatabaseDriverSQLite:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required"))
		}
	case DatabaseDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver))
	}

	switch c.KeyStoreBackend {
	case KeyStoreBackendPKCS11:
		if c.PKCS11ModulePath == "" {
			errs = append(errs, errors.New("PKCS11_MODULE_PATH is required"))
		}
		if c.PKCS11TokenLabel == "" && c.PKCS11Slot < 0 {
			errs = append(errs, errors.New("PKCS11_TOKEN_LABEL or PKCS11_SLOT is required"))
		}
	case KeyStoreBackendGCPKMS:
		if c.KMSKeyRing == "" {
			errs = append(errs, errors.New("KMS_KEY_RING is required"))
		}
	case KeyStoreBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown KEYSTORE_BACKEND %q", c.KeyStoreBackend))
	}

	if c.KeyStoreCallTimeout < 0 {
		errs = append(errs, errors.New("KEYSTORE_CALL_TIMEOUT must not be negative"))
	}
	if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
		errs = append(errs, errors.New("OTEL_SAMPLING_RATE must be between 0 and 1"))
	}

	return errors.Join(errs...)
}
