// Package main implements a one-shot seed command that creates a user
// directly in the SceneForge database. It lives inside the server module
// so it can access internal packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --username admin \
//	  --email admin@example.com \
//	  --password secret \
//	  --role admin
//
// Environment variables:
//
//	SCENEFORGE_DB_DRIVER  sqlite or postgres (default: sqlite)
//	SCENEFORGE_DB_DSN     SQLite file path or Postgres DSN (default: ./sceneforge.db)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sceneforge-io/sceneforge/server/internal/auth"
	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	username := flag.String("username", "", "Login name (required)")
	email := flag.String("email", "", "User email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	role := flag.String("role", "admin", "Role: admin or user")
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

	var roleID db.LookupID
	switch *role {
	case "admin":
		roleID = db.RoleAdmin
	case "user":
		roleID = db.RoleUser
	default:
		return fmt.Errorf("--role must be 'admin' or 'user'")
	}

	logger, _ := zap.NewDevelopment()

	driver := envOrDefault("SCENEFORGE_DB_DRIVER", "sqlite")
	dsn := envOrDefault("SCENEFORGE_DB_DSN", "")
	if dsn == "" {
		if dsn = os.Getenv("DATABASE_URL"); dsn != "" {
			driver = envOrDefault("SCENEFORGE_DB_DRIVER", "postgres")
		} else {
			dsn = "./sceneforge.db"
		}
	}

	database, err := db.New(db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	userRepo := repositories.NewUserRepository(database)

	user := &db.User{
		Username:     *username,
		Email:        *email,
		PasswordHash: hashed,
		RoleID:       roleID,
		IsActive:     true,
	}

	if err := userRepo.Create(context.Background(), user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("a user named %q or with email %q already exists", *username, *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("user created\n")
	fmt.Printf("  ID:       %d\n", user.ID)
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  Email:    %s\n", user.Email)
	fmt.Printf("  Role:     %s\n", *role)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
