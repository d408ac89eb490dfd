package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	signerapi "github.com/aegis-sign/cardsigner/internal/api"
	"github.com/aegis-sign/cardsigner/internal/config"
	"github.com/aegis-sign/cardsigner/internal/gateway/relay"
	"github.com/aegis-sign/cardsigner/internal/infra/agentprobe"
	"github.com/aegis-sign/cardsigner/pkg/signer"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var httpAddr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP relay in front of the signing agent",
		Long:  `serve exposes POST /sign for web pages on this machine, queues batches one card session at a time and reports agent reachability over gRPC health.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Relay.HTTPAddr = httpAddr
			}
			if grpcAddr != "" {
				cfg.Relay.GRPCAddr = grpcAddr
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address, empty config value disables it")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	agentCfg := cfg.Agent.SignerConfig()
	dispatcher, err := relay.NewDispatcher(relay.Config{
		MaxQueue:       cfg.Relay.MaxQueue,
		RateLimit:      cfg.Relay.RateLimit,
		RateBurst:      cfg.Relay.RateBurst,
		Agent:          agentCfg,
		Logger:         logger,
		Metrics:        relay.NewMetrics(reg),
		SessionMetrics: signer.NewMetrics(reg),
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	healthSrv := signerapi.NewHealthServer()
	probeCfg := agentprobe.DefaultConfig()
	probeCfg.Agent = agentCfg
	probeCfg.Interval = cfg.Relay.ProbeInterval
	prober := agentprobe.New(probeCfg, agentprobe.WithLogger(logger), agentprobe.OnChange(healthSrv.Update))
	go prober.Run(ctx)

	handler := signerapi.NewHTTPHandler(dispatcher, prober)
	httpSrv := &http.Server{
		Addr: cfg.Relay.HTTPAddr,
		Handler: handler.Router(signerapi.RouterConfig{
			AllowedOrigins: cfg.Relay.AllowedOrigins,
			Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Debug:          dispatcher.DebugHandler(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP relay listening", "addr", httpSrv.Addr, "agent", agentCfg.Endpoint)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.Relay.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Relay.GRPCAddr)
		if err != nil {
			_ = httpSrv.Close()
			return err
		}
		grpcSrv = grpc.NewServer()
		healthSrv.Register(grpcSrv)
		go func() {
			logger.Info("gRPC health listening", "addr", cfg.Relay.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down relay")
	case runErr = <-errCh:
		logger.Error("relay server closed unexpectedly", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	healthSrv.Shutdown()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return runErr
}
