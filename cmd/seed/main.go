package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tmarkov/exchange/internal/auth"
	"github.com/tmarkov/exchange/internal/config"
	"github.com/tmarkov/exchange/internal/engine"
	"github.com/tmarkov/exchange/internal/logging"
	"github.com/tmarkov/exchange/internal/models"
	"github.com/tmarkov/exchange/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Seed the database with demo users, starting lots, and a populated book.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url is required for seeding")
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	st, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer st.Close()

	// Skip if already seeded.
	if _, err := st.UserByEmail(ctx, "trader1@example.com"); err == nil {
		fmt.Println("Database already seeded.")
		os.Exit(0)
	}

	authService := auth.NewAuthService(st, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	trader1, err := authService.Register(ctx, "trader1", "trader1@example.com", "password1", 100_000_00)
	if err != nil {
		logger.Fatal("failed to create trader1", zap.Error(err))
	}
	trader2, err := authService.Register(ctx, "trader2", "trader2@example.com", "password2", 100_000_00)
	if err != nil {
		logger.Fatal("failed to create trader2", zap.Error(err))
	}

	// Give trader2 lots to sell.
	now := time.Now().UTC()
	for _, lot := range []struct {
		symbol string
		volume int64
		price  int64
	}{
		{"ACME", 100, 95_00},
		{"ACME", 50, 102_00},
		{"GLOBEX", 200, 18_50},
	} {
		err := st.InsertPosition(ctx, &models.Position{
			UserID:    trader2.ID,
			Symbol:    lot.symbol,
			Volume:    lot.volume,
			OpenPrice: lot.price,
			OpenDate:  now,
		})
		if err != nil {
			logger.Fatal("failed to seed position", zap.Error(err))
		}
	}

	// Run some orders through the engine so the book and transaction
	// history are populated.
	eng := engine.New(st, logger)
	expiry := now.Add(7 * 24 * time.Hour)
	submissions := []engine.SubmitRequest{
		{UserID: trader2.ID, Symbol: "ACME", Side: models.SideSell, Volume: 40, Price: 101_00, ExpiresAt: expiry},
		{UserID: trader2.ID, Symbol: "ACME", Side: models.SideSell, Volume: 60, Price: 99_50, ExpiresAt: expiry},
		{UserID: trader1.ID, Symbol: "ACME", Side: models.SideBuy, Volume: 50, Price: 100_00, ExpiresAt: expiry},
		{UserID: trader1.ID, Symbol: "GLOBEX", Side: models.SideBuy, Volume: 75, Price: 18_00, ExpiresAt: expiry},
	}
	for _, req := range submissions {
		outcome, err := eng.Submit(ctx, req)
		if err != nil {
			logger.Fatal("failed to seed order", zap.Error(err))
		}
		fmt.Printf("seeded %s %s order: %s (%d filled)\n", req.Symbol, req.Side, outcome.Status(), outcome.FilledVolume)
	}

	fmt.Println("Seeding complete.")
}
