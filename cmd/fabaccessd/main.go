// fabaccessd is the resource access control daemon: it loads the declarative
// configuration, hydrates one state machine per managed machine from the
// store, and serves the access API over gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/abergmeier/fabaccess-server/internal/api"
	"github.com/abergmeier/fabaccess-server/internal/config"
	"github.com/abergmeier/fabaccess-server/internal/logging"
	"github.com/abergmeier/fabaccess-server/internal/server"
	"github.com/abergmeier/fabaccess-server/internal/storage"
	"github.com/abergmeier/fabaccess-server/internal/tracing"
)

// Exit codes, stable for process supervisors.
const (
	exitOK      = 0
	exitConfig  = 1
	exitStore   = 2
	exitBind    = 3
	exitRuntime = 4
)

var (
	configPath string
	seedPath   string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:          "fabaccessd",
		Short:        "Makerspace resource access control daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/fabaccess/config.yaml", "configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Run: func(_ *cobra.Command, _ []string) {
			os.Exit(run())
		},
	}
	serve.Flags().StringVar(&seedPath, "load", "", "import users from a YAML file before serving")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print its canonical form",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := cfg.Render()
			if err != nil {
				return err
			}
			os.Stdout.Write(out)
			return nil
		},
	}

	root.AddCommand(serve, check)
	if err := root.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}

func run() int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	log, err := logging.New(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	defer log.Sync()

	tracer, stopTracing, err := tracing.Setup(cfg.TraceEnabled)
	if err != nil {
		log.Error("tracing setup failed", zap.Error(err))
		return exitConfig
	}
	defer stopTracing(context.Background())

	store, err := storage.Open(cfg.DBPath, log)
	if err != nil {
		log.Error("store open failed", zap.String("path", cfg.DBPath), zap.Error(err))
		return exitStore
	}
	defer store.Close()

	if seedPath != "" {
		n, err := store.LoadSeed(seedPath)
		if err != nil {
			log.Error("seed import failed", zap.String("path", seedPath), zap.Error(err))
			return exitConfig
		}
		log.Info("users imported", zap.Int("count", n), zap.String("path", seedPath))
	}

	srv, err := server.Build(cfg, store, tracer, log)
	if err != nil {
		log.Error("core startup failed", zap.Error(err))
		return exitRuntime
	}

	grpcServer, err := bindGRPC(cfg, srv, log)
	if err != nil {
		log.Error("bind failed", zap.Error(err))
		srv.Shutdown(context.Background())
		return exitBind
	}

	var aux *http.Server
	if cfg.MetricsListen != "" {
		aux, err = bindAux(cfg.MetricsListen, srv, log)
		if err != nil {
			log.Error("metrics bind failed", zap.String("listen", cfg.MetricsListen), zap.Error(err))
			grpcServer.Stop()
			srv.Shutdown(context.Background())
			return exitBind
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := exitOK
	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case err := <-srv.Fatal():
		log.Error("unrecoverable runtime failure", zap.Error(err))
		code = exitRuntime
	}

	grpcServer.GracefulStop()
	if aux != nil {
		aux.Shutdown(context.Background())
	}
	srv.Shutdown(context.Background())
	return code
}

// bindGRPC opens every configured listener and starts serving on each. Any
// single bind failure aborts startup.
func bindGRPC(cfg *config.Config, srv *server.Server, log *zap.Logger) (*grpc.Server, error) {
	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(api.ServerCodec()))
	if cfg.Certfile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.Certfile, cfg.Keyfile)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	grpcServer := grpc.NewServer(opts...)
	api.NewAccessServer(srv, log).Register(grpcServer)

	for _, l := range cfg.Listens {
		port := l.Port
		if port == 0 {
			port = config.DefaultPort
		}
		addr := fmt.Sprintf("%s:%d", l.Address, port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			grpcServer.Stop()
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		log.Info("listening", zap.String("addr", addr))
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				log.Warn("listener stopped", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}
	return grpcServer, nil
}

// bindAux serves Prometheus metrics plus the HTTP shim on a side listener.
func bindAux(listen string, srv *server.Server, log *zap.Logger) (*http.Server, error) {
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	mux := api.NewMetricsMux()
	mux.Handle("/", api.NewHTTPHandler(srv, log))
	aux := &http.Server{Handler: mux}
	log.Info("metrics listening", zap.String("addr", listen))
	go func() {
		if err := aux.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
	return aux, nil
}
