// Package app assembles the store, queue and mail pieces selected by config
// for the slotbook processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"slotbook/backend/internal/config"
	"slotbook/backend/internal/mail"
	"slotbook/backend/internal/ops"
	"slotbook/backend/internal/queue"
	"slotbook/backend/internal/queue/kafkaq"
	"slotbook/backend/internal/queue/pgq"
	"slotbook/backend/internal/queue/redisq"
	"slotbook/backend/internal/store"
	"slotbook/backend/internal/store/memory"
	"slotbook/backend/internal/store/postgres"
	"slotbook/backend/migrations"
)

func NewLogger(service, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLogLevel(level)})).With(
		slog.String("service", service),
	)
}

func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DatabaseLogArgs describes the database target without leaking credentials.
func DatabaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}

// Resources owns every connection opened for a process. Close releases them
// in reverse order of opening.
type Resources struct {
	Appointments  store.AppointmentRepository
	Users         store.UserDirectory
	Notifications store.NotificationRepository
	Queue         queue.Backend

	db      *bun.DB
	closers []func() error
	checks  []ops.ReadyCheck
}

func (r *Resources) Checks() []ops.ReadyCheck {
	return r.checks
}

func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// Open connects the store and the queue backend named by cfg. needStore is
// false for the worker, which only touches the queue.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger, needStore bool) (*Resources, error) {
	r := &Resources{}

	if needStore {
		if err := r.openStore(ctx, cfg, log); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	if err := r.openQueue(ctx, cfg, log); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Resources) openStore(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	switch cfg.StoreDriver {
	case "memory":
		mem := memory.New()
		if cfg.StoreSeedUsers != "" {
			n, err := mem.LoadUsersFile(cfg.StoreSeedUsers)
			if err != nil {
				return fmt.Errorf("seed users: %w", err)
			}
			log.Info("memory store seeded", slog.Int("users", n), slog.String("path", cfg.StoreSeedUsers))
		} else {
			log.Warn("memory store has no users; set store.seed_users")
		}
		r.Appointments = mem.Appointments()
		r.Users = mem.Users()
		r.Notifications = mem.Notifications()
		return nil
	default:
		db, err := r.database(ctx, cfg, log)
		if err != nil {
			return err
		}
		r.Appointments = postgres.NewAppointmentRepo(db)
		r.Users = postgres.NewUserRepo(db)
		r.Notifications = postgres.NewNotificationRepo(db)
		return nil
	}
}

// database opens the shared pool once, running migrations when enabled.
func (r *Resources) database(ctx context.Context, cfg config.Config, log *slog.Logger) (*bun.DB, error) {
	if r.db != nil {
		return r.db, nil
	}

	log.Info("connecting to database", DatabaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, DatabaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		return nil, err
	}
	r.db = db
	r.closers = append(r.closers, func() error { return postgres.Close(db) })
	r.checks = append(r.checks, ops.ReadyCheck{Name: "postgres", Check: func(ctx context.Context) error { return db.PingContext(ctx) }})

	if cfg.DBAutoMigrate {
		applied, err := postgres.Migrate(ctx, db, migrations.FS)
		if err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			log.Info("migrations applied", slog.Any("versions", applied))
		}
	}
	return db, nil
}

func (r *Resources) openQueue(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	qc := cfg.Queue
	switch qc.Backend {
	case "memory":
		r.Queue = queue.NewMemoryBackend(qc.PollInterval)
		log.Warn("memory queue selected; jobs only reach workers in this process")
	case "postgres":
		db, err := r.database(ctx, cfg, log)
		if err != nil {
			return err
		}
		r.Queue = pgq.New(db, pgq.Config{PollInterval: qc.PollInterval, VisibilityTimeout: qc.VisibilityTimeout})
	case "kafka":
		b, err := kafkaq.New(kafkaq.Config{
			Brokers:      cfg.KafkaBrokers,
			GroupID:      cfg.KafkaGroupID,
			TopicPrefix:  cfg.KafkaTopicPrefix,
			PollInterval: qc.PollInterval,
		})
		if err != nil {
			return err
		}
		r.Queue = b
		r.closers = append(r.closers, b.Close)
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		r.closers = append(r.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		r.Queue = redisq.New(rdb, redisq.Config{PollInterval: qc.PollInterval, VisibilityTimeout: qc.VisibilityTimeout})
	}

	r.checks = append(r.checks, ops.ReadyCheck{Name: "queue", Check: r.Queue.Ping})
	log.Info("queue backend ready", slog.String("backend", qc.Backend))
	return nil
}

// NewMailSender returns the SMTP sender, or one that only logs rendered mail.
func NewMailSender(cfg config.Config, log *slog.Logger) (mail.Sender, error) {
	renderer, err := mail.NewRenderer()
	if err != nil {
		return nil, err
	}
	if cfg.MailDriver == "log" {
		return mail.NewLogSender(log.With(slog.String("component", "mail")), renderer), nil
	}
	return mail.NewSMTPSender(mail.SMTPConfig{
		Host:        cfg.SMTP.Host,
		Port:        cfg.SMTP.Port,
		Username:    cfg.SMTP.Username,
		Password:    cfg.SMTP.Password,
		FromName:    cfg.SMTP.FromName,
		FromAddress: cfg.SMTP.FromAddress,
	}, renderer), nil
}

// QueueConfig translates the process config into manager settings.
func QueueConfig(cfg config.Config) queue.Config {
	return queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.Backoff,
		MaxBackoff:  cfg.Queue.MaxBackoff,
	}
}
