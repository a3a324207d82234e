package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/endpoint"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/schema"
)

func newServeCmd(load loader) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured endpoints",
		Long: `Serve publishes every [[endpoint]] of the configuration. Without endpoints,
--address publishes the built-in echo service there.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if len(cfg.Endpoints) == 0 {
				if address == "" {
					return errors.New("no endpoints configured; pass --address")
				}
				cfg.Endpoints = []config.EndpointConfig{{Name: "echo", Address: address}}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&address, "address", "a", "", "address for the echo service, e.g. amqp:echo")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var opts []mmate.Option
	opts = append(opts, mmate.WithLogger(logger))

	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, mmate.WithRegisterer(reg))
	}

	rt, err := mmate.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), mmate.DefaultShutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	servers, err := rt.ServeConfigured(ctx, builtinServices())
	if err != nil {
		return err
	}
	for _, srv := range servers {
		for _, ep := range srv.Endpoints() {
			logger.Info("serving", "endpoint", ep.Name(), "address", srv.AddressOf(ep).String())
		}
	}

	var httpSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/healthz", health.NewHandler(rt.Health(), 5*time.Second))
		mux.Handle("/livez", health.LivenessHandler())
		httpSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// builtinServices are the services a configuration can name
func builtinServices() map[string]*endpoint.Service {
	echo := endpoint.NewService("echo", nil).
		HandleFunc("echo", func(ctx context.Context, ex *contracts.Exchange, req []byte) ([]byte, error) {
			return req, nil
		}).
		HandleFunc("upper", func(ctx context.Context, ex *contracts.Exchange, req []byte) ([]byte, error) {
			return []byte(strings.ToUpper(string(req))), nil
		}).
		HandleFunc("reverse", func(ctx context.Context, ex *contracts.Exchange, req []byte) ([]byte, error) {
			r := []rune(string(req))
			for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
				r[i], r[j] = r[j], r[i]
			}
			return []byte(string(r)), nil
		}).
		HandleFunc("fail", func(ctx context.Context, ex *contracts.Exchange, req []byte) ([]byte, error) {
			return nil, fmt.Errorf("requested failure: %s", req)
		}).
		HandleFunc("sum", func(ctx context.Context, ex *contracts.Exchange, req []byte) ([]byte, error) {
			var in sumRequest
			if err := json.Unmarshal(req, &in); err != nil {
				return nil, err
			}
			var total float64
			for _, v := range in.Values {
				total += v
			}
			return json.Marshal(sumReply{Total: total})
		})

	v := schema.NewValidator()
	v.MustRegister("sum", schema.FromType(sumRequest{}))
	echo.Interceptors().In().Add(schema.NewValidationInterceptor(v))

	return map[string]*endpoint.Service{"echo": echo}
}

type sumRequest struct {
	Values []float64 `json:"values"`
}

type sumReply struct {
	Total float64 `json:"total"`
}
