package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"incident-escalation-service/pkg/config"
	"incident-escalation-service/pkg/escalation"
	"incident-escalation-service/pkg/handlers"
)

func NewHTTPServer(config *config.Config, engine *escalation.Engine, logger *logrus.Logger, pingFunc func(ctx context.Context) error, isLeaderFunc func(ctx context.Context) bool) *http.Server {
	handler := handlers.NewHandler(engine, logger, pingFunc, isLeaderFunc)

	router := mux.NewRouter()

	// API routes
	router.HandleFunc("/incidents/{id}/escalation/calculate", handler.Calculate).Methods("POST")
	router.HandleFunc("/incidents/{id}/escalation/history", handler.History).Methods("GET")
	router.HandleFunc("/incidents/{id}/escalation/pause", handler.Pause).Methods("POST")
	router.HandleFunc("/incidents/{id}/escalation/resume", handler.Resume).Methods("POST")
	router.HandleFunc("/incidents/{id}/escalation/resolve", handler.Resolve).Methods("POST")
	router.HandleFunc("/incidents/{id}/escalation", handler.Status).Methods("GET")
	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.ServiceStatus).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Add logging middleware
	router.Use(loggingMiddleware(logger))

	return &http.Server{
		Addr:         ":" + config.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
