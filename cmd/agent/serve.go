package main

import (
	"context"
	"net/http"
	"time"

	"nmstate-agent/internal/infrastructure/container"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// journalPingInterval is how often serve mode checks the checkpoint journal
const journalPingInterval = 30 * time.Second

// Application은 serve 모드의 실행 단위입니다
type Application struct {
	container    *container.Container
	logger       *logrus.Logger
	healthServer *http.Server
}

// NewApplication은 새로운 Application을 생성합니다
func NewApplication(container *container.Container, logger *logrus.Logger) *Application {
	return &Application{
		container: container,
		logger:    logger,
	}
}

func (a *app) runServe(ctx context.Context) error {
	return NewApplication(a.container, a.logger).Run(ctx)
}

// Run은 헬스 서버와 watchdog을 ctx가 끝날 때까지 실행합니다
func (a *Application) Run(ctx context.Context) error {
	cfg := a.container.GetConfig()

	// 헬스체크 서버 시작
	if err := a.startHealthServer(cfg.Health.Port); err != nil {
		return err
	}
	defer a.shutdown()

	// 저널 상태를 헬스 서비스에 반영
	a.checkJournal(ctx)
	go a.pingJournal(ctx)

	a.logger.WithFields(logrus.Fields{
		"host":          cfg.Agent.HostName,
		"backend":       a.container.GetBackend().Name(),
		"base_interval": cfg.Watchdog.Interval,
		"max_interval":  cfg.Watchdog.MaxInterval,
	}).Info("nmstate agent started")

	// watchdog 폴링 시작
	err := a.container.GetWatchdog().Run(ctx, a.container.NewWatchdogController())
	if ctx.Err() != nil {
		a.logger.Info("Received shutdown signal")
		return nil
	}
	return err
}

// startHealthServer는 헬스체크 서버를 시작합니다
func (a *Application) startHealthServer(port string) error {
	healthService := a.container.GetHealthService()

	// HTTP 핸들러 설정
	mux := http.NewServeMux()
	mux.Handle("/", healthService)
	mux.Handle("/metrics", promhttp.Handler())

	a.healthServer = &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.WithField("port", port).Info("Health check server started (with /metrics)")
		if err := a.healthServer.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.WithError(err).Error("Health check server failed")
		}
	}()

	return nil
}

func (a *Application) pingJournal(ctx context.Context) {
	ticker := time.NewTicker(journalPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkJournal(ctx)
		}
	}
}

func (a *Application) checkJournal(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := a.container.PingJournal(pingCtx)
	if err != nil && ctx.Err() == nil {
		a.logger.WithError(err).Error("Checkpoint journal is unreachable")
	}
	a.container.GetHealthService().UpdateJournalHealth(err == nil, err)
}

// shutdown은 헬스 서버를 정리합니다
func (a *Application) shutdown() {
	if a.healthServer == nil {
		return
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := a.healthServer.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("Failed to shutdown health check server")
	}
}
