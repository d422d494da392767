// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"key-custody-service/config"
	"key-custody-service/internal/handler"
	"key-custody-service/internal/infra"
	"key-custody-service/internal/middleware"
	"key-custody-service/internal/repository"
	"key-custody-service/internal/usecase"
	"key-custody-service/migrations"
)

const shutdownTimeout = 30 * time.Second

// version はビルド時に -ldflags "-X main.version=..." で設定する。
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(os.Stdout, cfg)

	repo, err := openKeyRepository(ctx, cfg)
	if err != nil {
		return err
	}

	// メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics, err := middleware.NewHTTPMetrics(reg)
	if err != nil {
		return err
	}

	// キーストア初期化
	backend, err := infra.NewKeyStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing key store: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Error("failed to close key store", "error", err)
		}
	}()
	store, err := infra.NewInstrumentedKeyStore(backend, cfg.KeyStoreBackend, reg)
	if err != nil {
		return err
	}
	slog.Info("key store initialized", "backend", cfg.KeyStoreBackend)

	// DI
	service := usecase.NewKeyService(repo, store,
		usecase.WithCallTimeout(cfg.KeyStoreCallTimeout),
		usecase.WithRequestCommonName(cfg.CSRCommonName),
	)
	h := handler.NewKeyHandler(service)
	router := handler.NewRouter(h, httpMetrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(router, cfg.OtelServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", server.Addr, err)
	}
	slog.Info("starting server", "port", cfg.Port, "version", version)
	if err := serve(sigCtx, server, ln, shutdownTimeout); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// openKeyRepository はDATABASE_DRIVERに応じたメタデータリポジトリを返す。
func openKeyRepository(ctx context.Context, cfg *config.Config) (usecase.KeyRepository, error) {
	if cfg.DatabaseDriver == config.DatabaseDriverMemory {
		slog.Warn("using in-memory key repository; metadata is lost on restart")
		return repository.NewMemoryKeyRepository(), nil
	}

	db, err := infra.NewDB(cfg.DatabaseDriver, cfg.DatabaseURL, cfg.OtelEnabled)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	if cfg.DatabaseAutoMigrate {
		files, err := migrations.ForDriver(cfg.DatabaseDriver)
		if err != nil {
			return nil, err
		}
		svc := usecase.NewMigrationService(repository.NewMigrationRepository(db), files)
		applied, err := svc.ApplyMigrations(ctx)
		if err != nil {
			return nil, err
		}
		slog.Info("database migrations applied", "count", applied)
	}
	return repository.NewKeyRepository(db), nil
}

// serve は ctx がキャンセルされるまでリクエストを処理する。
// Graceful shutdown が完了してから戻るため、呼び出し側は戻った後に依存リソースを閉じてよい。
func serve(ctx context.Context, server *http.Server, ln net.Listener, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	err := server.Serve(ln)
	cancel()
	<-shutdownDone
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}
