// Command forgesync-seed creates a user and an active configuration
// directly in the database. It lives inside the server module so it can
// access internal packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --username admin --email admin@example.com --password secret \
//	  --source-user octocat --source-token ghp_... \
//	  --dest-url https://gitea.example.com --dest-user admin --dest-token ...
//
// Environment variables:
//
//	FORGESYNC_DB_DRIVER   sqlite or postgres (default: sqlite)
//	FORGESYNC_DB_DSN      SQLite file path or Postgres DSN (default: forgesync.db)
//	FORGESYNC_SECRET_KEY  AEAD key — must match the value used by the server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	gormlogger "gorm.io/gorm/logger"

	"github.com/forgesync-io/forgesync/internal/config"
	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	username := flag.String("username", "", "Username (required)")
	email := flag.String("email", "", "User email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	role := flag.String("role", "user", "Role: admin or user")

	sourceUser := flag.String("source-user", "", "Source forge username")
	sourceToken := flag.String("source-token", "", "Source forge personal access token")
	destURL := flag.String("dest-url", "", "Destination forge base URL")
	destUser := flag.String("dest-user", "", "Destination forge username")
	destToken := flag.String("dest-token", "", "Destination forge access token")
	intervalSeconds := flag.Int("interval", 3600, "Sync schedule interval in seconds")
	scheduleOn := flag.Bool("schedule", false, "Enable the sync schedule")
	flag.Parse()

	if *username == "" {
		return fmt.Errorf("--username is required")
	}
	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if *role != "admin" && *role != "user" {
		return fmt.Errorf("--role must be 'admin' or 'user'")
	}

	driver := envOrDefault("FORGESYNC_DB_DRIVER", "sqlite")
	dsn := envOrDefault("FORGESYNC_DB_DSN", "forgesync.db")

	secretKey := os.Getenv("FORGESYNC_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"FORGESYNC_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted credentials will be unreadable at runtime.",
		)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Options{
		Driver:    driver,
		DSN:       dsn,
		SecretKey: secretKey,
		Logger:    logger,
		LogLevel:  gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	ctx := context.Background()
	users := store.NewUserStore(database)

	user := &db.User{
		Username: *username,
		Email:    *email,
		Password: db.EncryptedString(hash),
		Role:     *role,
		IsActive: true,
	}
	if err := users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("a user with username %q or email %q already exists", *username, *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("✓ User created\n")
	fmt.Printf("  ID:       %s\n", user.ID)
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  Email:    %s\n", user.Email)
	fmt.Printf("  Role:     %s\n", user.Role)

	if *sourceUser == "" && *destURL == "" {
		return nil
	}

	cfg := &db.Config{
		UserID:         user.ID,
		Name:           "default",
		IsActive:       true,
		SourceUsername: *sourceUser,
		SourceToken:    db.EncryptedString(*sourceToken),
		DestURL:        *destURL,
		DestUser:       *destUser,
		DestToken:      db.EncryptedString(*destToken),

		ScheduleEnabled: *scheduleOn,
		IntervalSeconds: *intervalSeconds,
		CronExpr:        config.CronFromInterval(*intervalSeconds),
	}
	if err := cfg.SetOptions(db.MirrorOptions{}); err != nil {
		return fmt.Errorf("encode mirror options: %w", err)
	}
	if err := cfg.SetCleanup(db.CleanupConfig{}); err != nil {
		return fmt.Errorf("encode cleanup config: %w", err)
	}

	configs := store.NewConfigStore(database)
	if err := configs.Create(ctx, cfg); err != nil {
		return fmt.Errorf("create configuration: %w", err)
	}

	fmt.Printf("✓ Active configuration created\n")
	fmt.Printf("  ID:     %s\n", cfg.ID)
	fmt.Printf("  Source: %s\n", cfg.SourceUsername)
	fmt.Printf("  Dest:   %s\n", cfg.DestURL)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
