package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-openapi/runtime/middleware"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/config"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/docs"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/api"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/auth"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle/store"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle/store/file"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/utils"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"gopkg.in/yaml.v2"
)

func serveCmd() *cobra.Command {
	var persist bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the export API over HTTP(S)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg, logger, persist)
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "also write the artifacts of every run to OUTPUT_DIR")
	return cmd
}

func serve(cfg config.Config, logger log.Logger, persist bool) error {
	opts := []api.Option{api.WithWorkers(cfg.Workers)}
	ledger, err := openLedger(cfg, logger)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not start connection with export ledger database")
		return err
	}
	if ledger != nil {
		opts = append(opts, api.WithLedger(ledger))
		level.Info(logger).Log("msg", "Connection established with export ledger database", "driver", cfg.LedgerDriver)
	}

	var files store.File
	if persist {
		files, err = file.NewFile(cfg.ResolvePath(cfg.OutputDir), logger)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not prepare output directory")
			return err
		}
	}

	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not load Jaeger configuration values from environment")
		return err
	}
	if jcfg.ServiceName == "" {
		jcfg.ServiceName = "dms-keystore-exporter"
	}
	level.Info(logger).Log("msg", "Jaeger configuration values loaded")
	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not start Jaeger tracer")
		return err
	}
	defer closer.Close()
	level.Info(logger).Log("msg", "Jaeger tracer started")

	var authenticator auth.Auth
	if cfg.AuthEnabled {
		var caPool *x509.CertPool
		if cfg.KeycloakCA != "" {
			caPool, err = utils.CreateCAPool(cfg.KeycloakCA)
			if err != nil {
				level.Error(logger).Log("err", err, "msg", "Could not create Keycloak CA pool")
				return err
			}
		}
		authenticator = auth.NewAuth(cfg.KeycloakHostname, cfg.KeycloakPort, cfg.KeycloakProtocol, cfg.KeycloakRealm, caPool)
		level.Info(logger).Log("msg", "Bearer token verification enabled", "realm", cfg.KeycloakRealm)
	}

	fieldKeys := []string{"method", "error"}

	var s api.Service
	{
		s = api.NewExporterService(cfg.KeystorePassphrase, files, logger, opts...)
		s = api.LoggingMiddleware(logger)(s)
		s = api.NewInstrumentingMiddleware(
			kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
				Namespace: "exporter",
				Subsystem: "exporter_service",
				Name:      "request_count",
				Help:      "Number of requests received.",
			}, fieldKeys),
			kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
				Namespace: "exporter",
				Subsystem: "exporter_service",
				Name:      "request_latency_seconds",
				Help:      "Total duration of requests in seconds.",
			}, fieldKeys),
			kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
				Namespace: "exporter",
				Subsystem: "exporter_service",
				Name:      "descriptor_count",
				Help:      "Number of descriptors processed, by outcome.",
			}, []string{"status"}),
		)(s)
	}

	if err := writeDocs(cfg); err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create openapiv3 docs")
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir("./docs")))
	mux.Handle("/v1/", api.MakeHTTPHandler(s, log.With(logger, "component", "HTTPS"), tracer, authenticator))
	mux.Handle("/v1/docs", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		BasePath: "/v1",
		SpecURL:  path.Join("/openapiv3.json"),
		Path:     "docs",
	}, mux))

	root := http.NewServeMux()
	root.Handle("/", accessControl(mux))
	root.Handle("/metrics", promhttp.Handler())

	errs := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errs <- fmt.Errorf("%s", <-c)
	}()

	go func() {
		errs <- listen(cfg, logger, root)
	}()
	level.Info(logger).Log("exit", <-errs)
	return nil
}

func listen(cfg config.Config, logger log.Logger, handler http.Handler) error {
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	switch strings.ToLower(cfg.Protocol) {
	case "https":
		if cfg.MutualTLSEnabled {
			mTlsCertPool, err := utils.CreateCAPool(cfg.MutualTLSClientCA)
			if err != nil {
				level.Error(logger).Log("err", err, "msg", "Could not create mTls Cert Pool")
				return err
			}
			server.TLSConfig = &tls.Config{
				ClientCAs:  mTlsCertPool,
				ClientAuth: tls.RequireAndVerifyClientCert,
				MinVersion: tls.VersionTLS12,
			}
			level.Info(logger).Log("transport", "Mutual TLS", "address", server.Addr, "msg", "listening")
		} else {
			level.Info(logger).Log("transport", "HTTPS", "address", server.Addr, "msg", "listening")
		}
		return server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	case "http":
		level.Info(logger).Log("transport", "HTTP", "address", server.Addr, "msg", "listening")
		return server.ListenAndServe()
	default:
		return errors.Errorf("unknown protocol %q", cfg.Protocol)
	}
}

func writeDocs(cfg config.Config) error {
	openapiSpec := docs.NewOpenAPI3(cfg)

	openapiSpecJsonData, err := json.Marshal(&openapiSpec)
	if err != nil {
		return err
	}
	openapiSpecYamlData, err := yaml.Marshal(&openapiSpec)
	if err != nil {
		return err
	}

	if err := os.MkdirAll("docs", 0744); err != nil {
		return err
	}
	if err := os.WriteFile(path.Join("docs", "openapiv3.json"), openapiSpecJsonData, 0644); err != nil {
		return err
	}
	return os.WriteFile(path.Join("docs", "openapiv3.yaml"), openapiSpecYamlData, 0644)
}

func accessControl(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			return
		}

		h.ServeHTTP(w, r)
	})
}
