package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/coursemeet/internal/booking"
	"github.com/hitoshi/coursemeet/internal/conferencing"
	"github.com/hitoshi/coursemeet/internal/config"
	"github.com/hitoshi/coursemeet/internal/database"
	"github.com/hitoshi/coursemeet/internal/handler"
	"github.com/hitoshi/coursemeet/internal/logger"
	"github.com/hitoshi/coursemeet/internal/metrics"
	"github.com/hitoshi/coursemeet/internal/middleware"
	"github.com/hitoshi/coursemeet/internal/repository"
	"github.com/hitoshi/coursemeet/internal/security"
	"github.com/hitoshi/coursemeet/internal/worker/cleanup"
	"github.com/hitoshi/coursemeet/internal/worker/reconcile"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	return NewCLI(w).Run(append([]string{"coursemeet"}, args...))
}

func logStart(cmd Command, cfg *config.Config) {
	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("conferencing_base_url", cfg.ConferencingBaseURL),
		slog.String("conferencing_auth_mode", cfg.ConferencingAuthMode),
	)
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// newAuthenticator は設定された方式の会議サービス認証を生成する。
func newAuthenticator(cfg *config.Config, httpClient *http.Client) conferencing.Authenticator {
	if cfg.ConferencingAuthMode == config.ConferencingAuthOAuth {
		return conferencing.NewOAuthAuthenticator(
			cfg.ConferencingAccountID,
			cfg.ConferencingClientID,
			cfg.ConferencingClientSecret,
			cfg.ConferencingTokenURL,
			httpClient,
		)
	}
	return conferencing.NewJWTAuthenticator(cfg.ConferencingAPIKey, cfg.ConferencingAPISecret, cfg.ConferencingTokenTTL)
}

// newRegistry はプロセス・Goランタイムのコレクタを含むPrometheusレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. メトリクス
	reg := newRegistry()
	mc := metrics.NewCollector(reg)

	// 3. リポジトリの初期化
	meetingRepo := repository.NewPostgresMeetingRepo(db)
	bookingRepo := repository.NewPostgresBookingRepo(db)

	// 4. 会議サービスクライアントの初期化
	httpClient := conferencing.NewHTTPClient(cfg.ConferencingTimeout)
	authenticator := newAuthenticator(cfg, httpClient)
	confClient := conferencing.NewClient(httpClient, cfg.ConferencingBaseURL, slog.Default(), mc)

	// 5. ドメインサービスの初期化
	bookingService := booking.NewService(
		meetingRepo, bookingRepo, authenticator, confClient,
		security.NewTextSanitizer(), slog.Default(),
		booking.WithMetrics(mc),
	)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitBooking),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Verifier:          middleware.NewJWTVerifier(cfg.AuthJWTSecret, cfg.AuthJWTIssuer),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Metrics:           mc,
		DB:                db,
		Gatherer:          reg,
		MeetingService:    bookingService,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、予約台帳のリコンサイルジョブとクリーンアップジョブを実行する。
// onceが真の場合は1回だけ実行して終了する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(parent context.Context, cfg *config.Config, once bool) error {
	if parent == nil {
		parent = context.Background()
	}

	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. 依存関係の初期化
	reg := newRegistry()
	mc := metrics.NewCollector(reg)
	bookingRepo := repository.NewPostgresBookingRepo(db)
	httpClient := conferencing.NewHTTPClient(cfg.ConferencingTimeout)
	authenticator := newAuthenticator(cfg, httpClient)
	confClient := conferencing.NewClient(httpClient, cfg.ConferencingBaseURL, slog.Default(), mc)

	job := reconcile.NewJob(bookingRepo, authenticator, confClient, slog.Default(), mc, reconcile.Config{
		Interval:   cfg.ReconcileInterval,
		PendingTTL: cfg.ReconcilePendingTTL,
		BatchSize:  cfg.ReconcileBatchSize,
	})
	purgeJob := cleanup.NewLedgerPurgeJob(db, slog.Default(), cfg.LedgerRetentionDays)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if once {
		summary, err := job.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}
		slog.Info("reconcile pass finished",
			slog.Int("scanned", summary.Scanned),
			slog.Int("resolved", summary.Resolved),
			slog.Int("failed", summary.Failed),
		)
		if _, err := purgeJob.Run(ctx); err != nil {
			return fmt.Errorf("ledger purge failed: %w", err)
		}
		return nil
	}

	slog.Info("worker starting",
		slog.Duration("reconcile_interval", cfg.ReconcileInterval),
		slog.Duration("pending_ttl", cfg.ReconcilePendingTTL),
		slog.Int("batch_size", cfg.ReconcileBatchSize),
		slog.Int("ledger_retention_days", cfg.LedgerRetentionDays),
	)

	// ワーカーのメトリクスはSERVER_PORTの/metricsで公開する
	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker metrics listen error", slog.String("error", err.Error()))
		}
	}()

	// クリーンアップジョブを日次でバックグラウンド実行
	go purgeJob.Start(ctx, 24*time.Hour)

	// リコンサイルジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("worker metrics shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runRollback は直近 steps 件のマイグレーションを戻す。
func runRollback(cfg *config.Config, steps int) error {
	slog.Info("rolling back database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("steps", steps),
	)

	if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	slog.Info("database rollback completed successfully")
	return nil
}

// runMigrateStatus は適用済みのマイグレーションバージョンを w に出力する。
func runMigrateStatus(w io.Writer, cfg *config.Config) error {
	status, err := database.CurrentMigration(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	if !status.Applied {
		_, err = fmt.Fprintln(w, "no migrations applied")
		return err
	}
	_, err = fmt.Fprintf(w, "version=%d dirty=%t\n", status.Version, status.Dirty)
	return err
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
