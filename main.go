package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/internal/api"
	"chatsync/internal/engine"
	"chatsync/internal/media"
	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverURL := getEnv("CHAT_SERVER_URL", "http://localhost:8083")
	token := os.Getenv("CHAT_TOKEN")
	if token == "" {
		log.Fatal("CHAT_TOKEN is required")
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, "chatsync", os.Getenv("OTLP_GRPC_ADDR"))
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	var audit *telemetry.AuditEmitter
	if amqpURL := os.Getenv("AMQP_URL"); amqpURL != "" {
		publisher, err := observability.NewAMQPPublisher(amqpURL, getEnv("AMQP_EXCHANGE", "chatsync.events"))
		if err != nil {
			log.Printf("telemetry bus disabled: %v", err)
		} else {
			observability.SetPublisher(publisher)
			audit = telemetry.NewAuditEmitter(publisher, "audit.chatsync", "chatsync", getEnv("ENVIRONMENT", "dev"))
			defer publisher.Close()
		}
	}

	client := api.NewClient(serverURL, token)

	self := models.RosterEntry{
		UserID:   getEnv("CHAT_USER_ID", ""),
		Username: getEnv("CHAT_USERNAME", ""),
		Role:     getEnv("CHAT_ROLE", ""),
	}
	if self.UserID == "" {
		log.Fatal("CHAT_USER_ID is required")
	}

	var uploader media.Uploader
	if getEnv("UPLOAD_STRATEGY", "direct") == "presign" {
		uploader = media.NewPresignUploader(client)
	} else {
		uploader = media.NewDirectUploader(client)
	}

	eng := engine.New(client, self, uploader)
	defer eng.Close()

	metricsAddr := getEnv("METRICS_ADDR", ":9095")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	sessionID := uuid.NewString()
	audit.Emit(ctx, "info", "sync engine session started", sessionID, &self.UserID)

	log.Printf("sync engine started server=%s user=%s", serverURL, self.UserID)
	eng.Run(ctx)
	log.Println("sync engine stopped")
	audit.Emit(context.Background(), "info", "sync engine session stopped", sessionID, &self.UserID)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
