package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/auth"
	"github.com/KevinKickass/SajModbusHub/internal/config"
	"github.com/KevinKickass/SajModbusHub/internal/system"
	"go.uber.org/zap"
)

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

// issueToken prints a signed access token for "subject:role".
func issueToken(cfg *config.Config, spec string) error {
	subject, role, ok := strings.Cut(spec, ":")
	if !ok || subject == "" {
		return fmt.Errorf("token spec must be subject:role, got %q", spec)
	}
	jwt := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.AccessTokenTTL)
	token, err := jwt.GenerateAccessToken(subject, auth.Role(role))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	tokenSpec := flag.String("token", "", "print an access token for subject:role (viewer, operator, admin) and exit")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *tokenSpec != "" {
		if err := issueToken(cfg, *tokenSpec); err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		return
	}

	// Logger initialisieren
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully",
		zap.String("path", *configPath),
		zap.Int("inverters", len(cfg.Inverters)))

	lifecycle := system.NewLifecycleManager(cfg, logger)

	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = lifecycle.Start(startCtx)
	cancel()
	if err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("SAJ Modbus hub started successfully")

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("SAJ Modbus hub stopped successfully")
}
