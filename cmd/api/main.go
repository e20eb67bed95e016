package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"familytree/api/internal/album"
	"familytree/api/internal/app"
	"familytree/api/internal/authpw"
	"familytree/api/internal/config"
	"familytree/api/internal/email"
	"familytree/api/internal/session"
	"familytree/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	dataStore, err := store.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer dataStore.Close()

	sessionStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessionStore.Close()

	service := app.New(cfg, dataStore, sessionStore)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	authSvc := authpw.NewService(dataStore, cfg.RequireInvite)

	var mailer *email.Service
	emailSvc := email.NewService(email.Config{
		Host:       cfg.SMTPHost,
		Port:       cfg.SMTPPort,
		Username:   cfg.SMTPUsername,
		Password:   cfg.SMTPPassword,
		From:       cfg.SMTPFrom,
		FromName:   cfg.SMTPFromName,
		AppBaseURL: cfg.AppBaseURL,
	})
	if emailSvc.IsConfigured() {
		mailer = emailSvc
	} else {
		log.Printf("SMTP not configured, password reset tokens returned in responses")
	}

	var albumSvc *album.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		albumSvc, err = album.NewService(album.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("album storage failed: %v", err)
		}
		if err := albumSvc.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: album bucket check failed: %v", err)
		}
	} else {
		log.Printf("MINIO_ENDPOINT not set, album routes disabled")
	}

	var httpServer *app.HTTPServer
	if mailer != nil {
		httpServer = app.NewHTTPServer(service, authSvc, mailer, albumSvc, cfg.CORSOrigin)
	} else {
		httpServer = app.NewHTTPServer(service, authSvc, nil, albumSvc, cfg.CORSOrigin)
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Family Tree API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
