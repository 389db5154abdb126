package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"filebridge/config"
	"filebridge/pairing"
	"filebridge/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	hub := relay.NewHub(relay.Options{
		OriginPatterns:   cfg.AllowedOrigins,
		ReadLimit:        cfg.ReadLimitBytes,
		WriteTimeout:     cfg.WriteTimeout,
		SendQueueSize:    cfg.SendQueueSize,
		UnclaimedRoomTTL: cfg.UnclaimedRoomTTL,
	})
	codes := pairing.NewManager(hub)

	mux := http.NewServeMux()
	mux.HandleFunc("/new-code", codes.HandleNewCode())
	mux.HandleFunc("/ws", hub.ServeWS())

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: corsMiddleware.Handler(mux),
		// Read/Write timeouts are deliberately absent: websocket
		// connections are long-lived and per-write deadlines are
		// enforced inside the relay instead.
		IdleTimeout: 120 * time.Second,
	}

	logrus.WithFields(logrus.Fields{
		"port": cfg.Port,
	}).Info("Relay listening")
	logrus.Info("Code endpoint: GET /new-code")
	logrus.Info("Websocket endpoint: /ws")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithField("error", err.Error()).Fatal("Server stopped")
	}
}
