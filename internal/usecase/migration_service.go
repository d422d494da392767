package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"

	"key-custody-service/internal/domain"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureHistoryTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	IsMigrationApplied(ctx context.Context, version string) (bool, error)
	Apply(ctx context.Context, version string, statements []string) error
}

// MigrationService はマイグレーション実行のビジネスロジックを提供する。
type MigrationService struct {
	repo  MigrationRepository
	files fs.FS
}

// NewMigrationService は files 直下の .sql ファイルを対象とするMigrationServiceを生成する。
func NewMigrationService(repo MigrationRepository, files fs.FS) *MigrationService {
	return &MigrationService{repo: repo, files: files}
}

// scanMigrationFiles は .sql ファイルをバージョン順に列挙する。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.files, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	var migrations []*domain.Migration
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: version %s used by %s and %s", domain.ErrInvalidMigrationFile, version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		migrations = append(migrations, &domain.Migration{
			Version: version,
			Name:    name,
			Path:    entry.Name(),
			Status:  domain.MigrationStatusPending,
		})
	}

	slices.SortFunc(migrations, func(a, b *domain.Migration) int {
		return strings.Compare(a.Version, b.Version)
	})
	return migrations, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// フォーマット: {version}_{name}.sql (例: 001_create_signing_keys.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	version, name, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || version == "" || name == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return version, name, nil
}

// splitStatements はSQLをセミコロン区切りの文に分割する。文字列リテラル中のセミコロンは考慮しない。
func splitStatements(sql string) []string {
	var stmts []string
	for stmt := range strings.SplitSeq(sql, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// ApplyMigrations は未適用マイグレーションを番号順に実行し、適用件数を返す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	if err := s.repo.EnsureHistoryTable(ctx); err != nil {
		return 0, fmt.Errorf("%w: preparing history table: %w", domain.ErrMigrationFailed, err)
	}

	all, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	applied := 0
	for _, m := range all {
		done, err := s.repo.IsMigrationApplied(ctx, m.Version)
		if err != nil {
			return applied, fmt.Errorf("checking migration status: %w", err)
		}
		if done {
			continue
		}

		if err := s.applyMigration(ctx, m); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", m.Version,
				"error", err,
			)
			return applied, fmt.Errorf("%w: version %s: %w", domain.ErrMigrationFailed, m.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"operation", "apply_migrations",
			"version", m.Version,
			"name", m.Name,
		)
		applied++
	}
	return applied, nil
}

func (s *MigrationService) applyMigration(ctx context.Context, m *domain.Migration) error {
	sql, err := fs.ReadFile(s.files, m.Path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", m.Path, err)
	}
	stmts := splitStatements(string(sql))
	if len(stmts) == 0 {
		return fmt.Errorf("%w: %s has no statements", domain.ErrInvalidMigrationFile, m.Path)
	}
	return s.repo.Apply(ctx, m.Version, stmts)
}

// GetMigrationStatus は全マイグレーションの適用状況を返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureHistoryTable(ctx); err != nil {
		return nil, fmt.Errorf("preparing history table: %w", err)
	}

	all, err := s.scanMigrationFiles()
	if err != nil {
		return nil, err
	}

	applied, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch applied migrations",
			"operation", "get_migration_status",
			"error", err,
		)
		return nil, fmt.Errorf("fetching applied migrations: %w", err)
	}

	byVersion := make(map[string]*domain.Migration, len(applied))
	for _, m := range applied {
		byVersion[m.Version] = m
	}
	for _, m := range all {
		if a, ok := byVersion[m.Version]; ok {
			m.Status = domain.MigrationStatusApplied
			m.AppliedAt = a.AppliedAt
		}
	}
	return all, nil
}
