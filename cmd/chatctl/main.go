// Command chatctl runs one-off chat maintenance tasks against the configured stores.
//
//	chatctl sweep            archive every session past its deadline or ended by a doctor
//	chatctl token -user ID   mint a JWT for local testing
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"clinic-chat/backend/pkg/config"
	"clinic-chat/backend/pkg/di"
	"clinic-chat/backend/pkg/jwt"
	"clinic-chat/backend/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.New()
	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = false
	log := logger.New(logConfig)
	logger.SetGlobal(log)

	var err error
	switch os.Args[1] {
	case "sweep":
		err = sweep(cfg, log, os.Args[2:])
	case "token":
		err = token(cfg, log, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.LogError(err, "chatctl failed", "command", os.Args[1])
		os.Exit(1)
	}
}

func sweep(cfg *config.Config, log *logger.Logger, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	timeout := fs.Duration("timeout", 5*time.Minute, "Give up after this long")
	batch := fs.Int("batch", cfg.Chat.SweepBatchSize, "Sessions reconciled per query")
	_ = fs.Parse(args)

	cfg.Chat.SweepBatchSize = *batch

	db, err := config.NewDB(cfg, log)
	if err != nil {
		return err
	}
	container, err := di.New(cfg, db, log)
	if err != nil {
		return err
	}
	defer container.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	archived, err := container.Sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("archived %d chat sessions\n", archived)
	return nil
}

func token(cfg *config.Config, log *logger.Logger, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	userID := fs.String("user", "", "User ID to put in the token")
	role := fs.String("role", string(jwt.RolePatient), "patient, doctor or admin")
	expiry := fs.Duration("expiry", cfg.JWT.Expiry, "Token lifetime")
	_ = fs.Parse(args)

	if *userID == "" {
		return fmt.Errorf("-user is required")
	}

	// sign with the same secret the server resolves, vault first
	secretManager, err := di.NewSecrets(cfg, log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := jwt.NewService(di.JWTSecret(ctx, cfg, secretManager), *expiry)
	t, err := svc.GenerateToken(*userID, jwt.Role(*role))
	if err != nil {
		return err
	}
	fmt.Println(t)
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl <sweep|token> [flags]")
}
