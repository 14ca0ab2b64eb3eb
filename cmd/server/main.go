package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fwdmail/backend/internal/config"
	"fwdmail/backend/internal/directory"
	"fwdmail/backend/internal/dkim"
	"fwdmail/backend/internal/domain"
	"fwdmail/backend/internal/health"
	"fwdmail/backend/internal/ledger"
	"fwdmail/backend/internal/logger"
	"fwdmail/backend/internal/monitoring"
	"fwdmail/backend/internal/relay"
	"fwdmail/backend/internal/smtp"
	"fwdmail/backend/internal/storage/memory"
	rediscache "fwdmail/backend/internal/storage/redis"
	sqlstore "fwdmail/backend/internal/storage/sql"
	httptransport "fwdmail/backend/internal/transport/http"
	"fwdmail/backend/internal/verifier"
)

// main 启动邮件转发服务：SMTP 收信端、转发引擎、
// DNS 验证器和面板只读 API。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting fwdmail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("relay_mode", cfg.Relay.Mode),
	)

	// 初始化存储层
	var store domain.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// 台账查询缓存（可选）
	var queryCache *rediscache.Cache
	if cfg.Redis.Enabled {
		queryCache, err = rediscache.NewCache(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			panic(fmt.Sprintf("failed to connect to redis: %v", err))
		}
		defer queryCache.Close()
		log.Info("redis query cache enabled", zap.String("address", cfg.Redis.Address))
	}

	metrics := monitoring.NewMetrics()

	// 域名目录：启动时必须能构建首个快照
	dir, err := directory.New(store, cfg.Directory.RefreshInterval, log)
	if err != nil {
		panic(fmt.Sprintf("failed to build domain directory: %v", err))
	}
	if queryCache != nil {
		// 配置刷新后清掉面板的台账查询缓存，避免按旧配置过滤的结果撑满 TTL
		dir.SetRefreshHook(func(ctx context.Context) {
			if err := queryCache.InvalidateAttemptLists(ctx); err != nil {
				log.Warn("failed to invalidate attempt list cache", zap.Error(err))
			}
		})
	}

	// 转发引擎
	signer := dkim.NewSigner(log, cfg.Relay.RequireSigned)
	client := relay.NewClient(cfg.SMTP.Hostname, cfg.Engine.DeliveryTimeout, log)
	ledgerSvc := ledger.NewService(store, log)

	// 出站配置目前是全局的；域名级覆盖在这里接入
	defaultSettings := cfg.RelaySettings()
	settingsResolver := func(_ *domain.Domain) domain.RelaySettings {
		return defaultSettings
	}

	engine := relay.NewEngine(relay.Config{
		Workers:         cfg.Engine.Workers,
		QueueSize:       cfg.Engine.QueueSize,
		MaxAttempts:     cfg.Retry.MaxAttempts,
		RetryMin:        cfg.Retry.Min,
		RetryMax:        cfg.Retry.Max,
		RetryFactor:     cfg.Retry.Factor,
		DeliveryTimeout: cfg.Engine.DeliveryTimeout,
	}, ledgerSvc, signer, client, settingsResolver, metrics, log)

	// DNS 验证器
	dnsVerifier := verifier.New(store, verifier.NetResolver{}, verifier.Config{
		ExpectedMX: cfg.Verifier.ExpectedMX,
		SPFMech:    cfg.Verifier.SPFMech,
		Interval:   cfg.Verifier.Interval,
	}, metrics, log)

	healthChecker := health.NewHealthChecker(store, engine, log)

	// HTTP 面板服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:    cfg,
		Ledger:    ledgerSvc,
		Directory: dir,
		Cache:     queryCache,
		Health:    healthChecker,
		Metrics:   metrics,
		Logger:    log,
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SMTP 收信服务器
	smtpBackend := smtp.NewBackend(dir, engine, smtp.Config{
		MaxMessageBytes:   cfg.SMTP.MaxMessageBytes,
		MaxRecipients:     cfg.SMTP.MaxRecipients,
		MaxProtocolErrors: cfg.SMTP.MaxProtocolErrors,
	}, metrics, log)
	smtpServer := gosmtp.NewServer(smtpBackend)
	smtpServer.Addr = cfg.SMTP.BindAddr
	smtpServer.Domain = cfg.SMTP.Hostname
	smtpServer.ReadTimeout = time.Minute
	smtpServer.WriteTimeout = time.Minute
	smtpServer.MaxMessageBytes = cfg.SMTP.MaxMessageBytes
	smtpServer.MaxRecipients = cfg.SMTP.MaxRecipients

	// 连接数和连接速率在 TCP 层限制
	smtpListener, err := net.Listen("tcp", cfg.SMTP.BindAddr)
	if err != nil {
		panic(fmt.Sprintf("failed to listen on %s: %v", cfg.SMTP.BindAddr, err))
	}
	limiter := smtp.NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.MaxConnRate)
	limitedListener := smtp.LimitListener(smtpListener, limiter)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	engine.Start(groupCtx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("hostname", cfg.SMTP.Hostname),
		)
		if err := smtpServer.Serve(limitedListener); err != nil && groupCtx.Err() == nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 域名目录刷新 goroutine
	group.Go(func() error {
		log.Info("starting domain directory refresh loop",
			zap.Duration("interval", cfg.Directory.RefreshInterval),
		)
		dir.Run(groupCtx)
		return nil
	})

	// DNS 验证 goroutine：启动先跑一轮，之后按间隔扫描
	group.Go(func() error {
		log.Info("starting dns verifier",
			zap.Duration("interval", cfg.Verifier.Interval),
			zap.String("expected_mx", cfg.Verifier.ExpectedMX),
		)
		if err := dnsVerifier.RunOnce(groupCtx); err != nil && groupCtx.Err() == nil {
			log.Error("initial verification sweep failed", zap.Error(err))
		}
		dnsVerifier.Run(groupCtx)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		// 等在途投递收尾，然后停队
		engine.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
