package main

import (
	"context"
	"log"
	"net/http"

	"github.com/Pheebemi/lms-backend/internal/config"
	httpd "github.com/Pheebemi/lms-backend/internal/delivery/http"
	"github.com/Pheebemi/lms-backend/internal/gateway"
	"github.com/Pheebemi/lms-backend/internal/notifier"
	"github.com/Pheebemi/lms-backend/internal/repository"
	"github.com/Pheebemi/lms-backend/internal/usecase"
)

func main() {
	cfg := config.Load()

	repo, err := repository.NewSQLiteRepo(cfg.SQLiteDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer repo.Close()

	gw := gateway.NewHTTPClient(gateway.Config{
		BaseURL:   cfg.GatewayBaseURL,
		SecretKey: cfg.GatewaySecretKey,
		Timeout:   cfg.GatewayTimeout,
	})

	var n notifier.Notifier = notifier.LogNotifier{}
	if len(cfg.KafkaBrokers) > 0 {
		kn, err := notifier.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatalf("kafka notifier: %v", err)
		}
		defer kn.Close()
		n = kn
	}

	returnURL := cfg.FrontendURL + "/payment/callback"
	engine := usecase.NewEngine(repo, gw, n, returnURL, cfg.AttemptExpiry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go usecase.NewSweeper(engine, cfg.SweepInterval).Run(ctx)

	h := httpd.NewHandler(engine)
	r := h.Routes(httpd.RouteConfig{
		JWTSecret: cfg.JWTSecret,
		WebhookSig: httpd.SigConfig{
			Secret:        cfg.WebhookHMACSecret,
			MaxAgeSeconds: cfg.SigMaxAgeSeconds,
		},
		AllowedOrigins: cfg.AllowedOrigins,
	})

	addr := ":" + cfg.AppPort
	log.Printf("Server listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, r))
}
