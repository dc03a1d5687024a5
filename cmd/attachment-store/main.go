// Точка входа Attachment Store — хранилища вложений с версиями
// и выдачей файлов по подписанным ссылкам.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/attachment-store/internal/api/handlers"
	"github.com/bigkaa/goartstore/attachment-store/internal/api/middleware"
	"github.com/bigkaa/goartstore/attachment-store/internal/audit"
	"github.com/bigkaa/goartstore/attachment-store/internal/config"
	"github.com/bigkaa/goartstore/attachment-store/internal/database"
	"github.com/bigkaa/goartstore/attachment-store/internal/lease"
	"github.com/bigkaa/goartstore/attachment-store/internal/repository"
	"github.com/bigkaa/goartstore/attachment-store/internal/security/scanner"
	"github.com/bigkaa/goartstore/attachment-store/internal/security/signature"
	"github.com/bigkaa/goartstore/attachment-store/internal/server"
	"github.com/bigkaa/goartstore/attachment-store/internal/service"
	"github.com/bigkaa/goartstore/attachment-store/internal/storage/filestore"
	"github.com/bigkaa/goartstore/attachment-store/internal/storage/wal"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Attachment Store запускается",
		slog.String("service_id", cfg.ServiceID),
		slog.String("version", config.Version),
		slog.String("environment", cfg.Environment),
		slog.String("metadata_backend", cfg.MetadataBackend),
		slog.Int("port", cfg.Port),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Ошибка запуска", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Attachment Store остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// --- Инициализация компонентов ---

	// 1. Файловое хранилище и журнал фиксации
	files, err := filestore.New(cfg.StorageRoot, logger)
	if err != nil {
		return fmt.Errorf("инициализация хранилища: %w", err)
	}
	instance := lease.InstanceAddr(cfg.Port)
	journal, err := wal.New(cfg.WALDir, instance, logger)
	if err != nil {
		return fmt.Errorf("инициализация журнала: %w", err)
	}

	// 2. Хранилище метаданных
	var (
		store    repository.AttachmentStore
		pool     *pgxpool.Pool
		checkers []handlers.ReadinessChecker
	)
	switch cfg.MetadataBackend {
	case config.BackendPostgres:
		if err := database.Migrate(cfg, logger); err != nil {
			return err
		}
		pool, err = database.Connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = repository.NewPostgresStore(pool)
		checkers = append(checkers, database.NewReadinessChecker(pool))
	default:
		logger.Warn("Метаданные хранятся в памяти и теряются при перезапуске")
		store = repository.NewMemoryStore()
	}

	// 3. Разбор незакрытых намерений до приёма запросов
	recovered, err := service.RecoverJournal(ctx, journal, files, store, cfg.ReconcileGrace, logger)
	if err != nil {
		return fmt.Errorf("восстановление журнала: %w", err)
	}
	if recovered.Committed+recovered.RolledBack > 0 {
		logger.Warn("Обработаны незавершённые загрузки",
			slog.Int("committed", recovered.Committed),
			slog.Int("rolled_back", recovered.RolledBack),
		)
	}

	// 4. Сервисы
	tokens := service.NewTokenService(cfg.DownloadTokenSecret, cfg.DownloadBasePath)
	versions := service.NewVersionManager(store, files, logger)
	cache := service.NewCacheService(cfg.CacheSize, cfg.CacheTTL)

	recorder := audit.NewRecorder(audit.NewLogSink(logger), cfg.AuditBuffer, logger)
	recorder.Start(ctx)
	defer recorder.Stop()

	coord := service.NewCoordinator(
		service.CoordinatorConfig{MaxFileSize: cfg.MaxFileSize, AllowedTypes: cfg.AllowedTypes},
		files, journal, store, versions, tokens,
		signature.NewValidator(), scanner.New(cfg.ScanMaxSize, logger),
		cache, recorder, logger,
	)

	// 5. Фоновые процессы: запускает только держатель аренды обслуживания
	sweeper := service.NewHoldingSweeper(files, cfg.SweepInterval, cfg.SweepMaxAge, logger)
	reconciler := service.NewReconcileService(files, store, cfg.ReconcileInterval, cfg.ReconcileGrace, logger)

	maintenance := lease.New(files.Root(), instance, cfg.LeaseRetryInterval,
		func() {
			sweeper.Start(ctx)
			reconciler.Start(ctx)
		},
		func() {
			sweeper.Stop()
			reconciler.Stop()
		},
		logger,
	)
	if err := maintenance.Start(); err != nil {
		return err
	}
	defer maintenance.Stop()

	// 5.1 topologymetrics — мониторинг зависимостей
	var db *sql.DB
	if pool != nil {
		db = stdlib.OpenDBFromPool(pool)
		defer db.Close()
	}
	dephealthSvc, err := service.NewDephealthService(
		dephealthName(cfg),
		cfg.DephealthGroup,
		service.DephealthTargets{JWKSURL: cfg.JWKSUrl, DB: db, PostgresURL: cfg.DatabaseURLForMetrics()},
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
	} else {
		defer dephealthSvc.Stop()
	}

	// 6. JWT middleware. Без JWKS API недоступен: сервис не стартует
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		JWKSURL:    cfg.JWKSUrl,
		CACertPath: cfg.JWKSCACert,
		AdminRole:  cfg.AdminRole,
	}, logger)
	if err != nil {
		return fmt.Errorf("инициализация JWT: %w", err)
	}
	logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))

	// 7. Handlers
	errs := handlers.NewErrorWriter(cfg.IsDevelopment(), files.Redact, logger)
	apiHandler := handlers.NewAPIHandler(
		handlers.NewAttachmentsHandler(coord, cfg.MaxFileSize, errs),
		handlers.NewSystemHandler(cfg, files, maintenance),
		handlers.NewMaintenanceHandler(reconciler, errs),
		handlers.NewHealthHandler(files, cfg.WALDir, checkers...),
		promhttp.Handler(),
	)

	// 8. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler, jwtAuth.Middleware(),
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
	)
	if err := srv.Run(); err != nil {
		return err
	}

	logger.Info("Остановка фоновых процессов...")
	return nil
}

// dephealthName — имя вершины графа: DEPHEALTH_NAME, владелец пода
// из hostname или AS_SERVICE_ID.
func dephealthName(cfg *config.Config) string {
	if cfg.DephealthName != "" {
		return cfg.DephealthName
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return parseOwnerName(host)
	}
	return cfg.ServiceID
}

var (
	// <deployment>-<pod-template-hash>-<suffix>
	deploymentPodRe = regexp.MustCompile(`^(.+)-[a-z0-9]{6,10}-[a-z0-9]{5}$`)
	// <statefulset>-<ordinal>
	statefulSetPodRe = regexp.MustCompile(`^(.+)-[0-9]+$`)
)

// parseOwnerName извлекает имя Deployment или StatefulSet из hostname пода.
// Если hostname не похож на имя пода, возвращается как есть.
func parseOwnerName(hostname string) string {
	if m := deploymentPodRe.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	if m := statefulSetPodRe.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	return hostname
}
