// Package api exposes the node over HTTP: packets delivered by the router, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink/bootstrap"
	"github.com/outofforest/peerlink/router"
)

const shutdownTimeout = 5 * time.Second

// Node is the node served by the API.
type Node interface {
	Status() bootstrap.Status
	HandlePacket(ctx context.Context, amount uint64, data []byte) ([]byte, error)
}

// NewHandler returns handler of the API. Metrics endpoint is served only if gatherer is provided.
func NewHandler(ctx context.Context, node Node, gatherer prometheus.Gatherer) http.Handler {
	log := logger.Get(ctx)

	m := mux.NewRouter()
	m.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(log, w, http.StatusOK, node.Status())
	}).Methods(http.MethodGet)

	m.HandleFunc("/packets", func(w http.ResponseWriter, req *http.Request) {
		var body router.PacketRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(log, w, http.StatusBadRequest, router.ErrorResponse{Error: err.Error()})
			return
		}

		fulfillment, err := node.HandlePacket(logger.WithLogger(req.Context(), log), body.Amount, body.Data)
		if err != nil {
			reject := &router.RejectError{Code: router.CodeApplicationError, Message: err.Error()}
			errors.As(err, &reject)
			writeJSON(log, w, http.StatusOK, router.PacketResponse{
				Code:    reject.Code,
				Message: reject.Message,
				Data:    reject.Data,
			})
			return
		}
		writeJSON(log, w, http.StatusOK, router.PacketResponse{
			Fulfilled: true,
			Data:      fulfillment,
		})
	}).Methods(http.MethodPost)

	if gatherer != nil {
		m.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return m
}

// Run serves handler until context is canceled.
func Run(ctx context.Context, ls net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			logger.Get(ctx).Info("HTTP server started", zap.Stringer("address", ls.Addr()))
			if err := server.Serve(ls); !errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		spawn("shutdown", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		return nil
	})
}

func writeJSON(log *zap.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Writing response failed", zap.Error(err))
	}
}
