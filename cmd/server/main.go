package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/COSCUP/newsletter/internal/api"
	"github.com/COSCUP/newsletter/internal/audit"
	"github.com/COSCUP/newsletter/internal/captcha"
	"github.com/COSCUP/newsletter/internal/config"
	"github.com/COSCUP/newsletter/internal/csvio"
	"github.com/COSCUP/newsletter/internal/email"
	"github.com/COSCUP/newsletter/internal/pkg/distlock"
	"github.com/COSCUP/newsletter/internal/pkg/logger"
	"github.com/COSCUP/newsletter/internal/repository/postgres"
	"github.com/COSCUP/newsletter/internal/service/delivery"
	"github.com/COSCUP/newsletter/internal/service/ratelimit"
	"github.com/COSCUP/newsletter/internal/service/session"
	"github.com/COSCUP/newsletter/internal/service/subscriber"
	"github.com/COSCUP/newsletter/internal/service/tracking"
	"github.com/COSCUP/newsletter/internal/service/verification"
	"github.com/COSCUP/newsletter/migrations"
)

func newSender(ctx context.Context, cfg *config.Config) (email.Sender, error) {
	switch cfg.Email.Provider {
	case "ses":
		return email.NewSESSender(ctx, cfg.Email.SES.Region,
			cfg.Email.SES.AccessKey, cfg.Email.SES.SecretKey, cfg.Email.FromEmail)
	case "smtp", "":
		return email.NewSMTPSender(cfg.Email.SMTP.Host, cfg.Email.SMTP.Port,
			cfg.Email.SMTP.Username, cfg.Email.SMTP.Password,
			cfg.Email.SMTP.TLS, cfg.Email.FromEmail), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Email.Provider)
	}
}

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("config/config.yaml"); err == nil {
			cfgPath = "config/config.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Database.Migrate {
		if err := migrations.Up(ctx, db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
		logger.Info("migrations applied")
	}

	sender, err := newSender(ctx, cfg)
	if err != nil {
		log.Fatalf("email sender: %v", err)
	}

	subRepo := postgres.NewSubscriberRepo(db)
	tokenRepo := postgres.NewTokenRepo(db)
	sessionRepo := postgres.NewSessionRepo(db)
	newsletterRepo := postgres.NewNewsletterRepo(db)
	eventRepo := postgres.NewEventRepo(db)
	limitRepo := postgres.NewRateLimitRepo(db)
	auditRepo := postgres.NewAuditRepo(db)

	subs := subscriber.NewService(subRepo)
	tokens := verification.NewService(tokenRepo)
	sessions := session.NewService(sessionRepo)
	limiter := ratelimit.NewLimiter(limitRepo)

	recorder := tracking.NewRecorder(subs, eventRepo, 1024)
	recorder.Start()

	orch := delivery.NewOrchestrator(newsletterRepo, sender, subs, delivery.Options{
		BaseURL:         cfg.Server.BaseURL,
		SendConcurrency: cfg.Delivery.SendConcurrency,
		PerSendThrottle: cfg.Delivery.PerSendThrottle.Std(),
	})

	server := api.NewServer(api.Deps{
		Config:   cfg,
		Subs:     subs,
		Tokens:   tokens,
		Sessions: sessions,
		Limiter:  limiter,
		Captcha:  captcha.NewTurnstile(cfg.Captcha.TurnstileSecret),
		Recorder: recorder,
		Orch:     orch,
		Notifier: email.NewNotifier(sender, cfg.Server.BaseURL),
		Importer: csvio.NewImporter(subRepo),
		Audit:    audit.New(auditRepo),
		Stats:    eventRepo,
	})

	sched := delivery.NewScheduler(orch, cfg.Delivery.SchedulerInterval.Std(),
		func(ctx context.Context) error {
			_, err := sessions.PurgeExpired(ctx)
			return err
		},
		func(ctx context.Context) error {
			_, err := tokenRepo.DeleteExpired(ctx, time.Now().Add(-24*time.Hour))
			return err
		},
		func(ctx context.Context) error {
			_, err := limiter.Prune(ctx, 7*24*time.Hour)
			return err
		},
	)
	sched.SetLock(distlock.NewPGAdvisoryLock(db, "newsletter-scheduler"))
	go sched.Run(ctx)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-done
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	// Let in-flight deliveries and queued tracking events land before exit.
	orch.Wait()
	recorder.Close()
	logger.Info("server stopped")
}
