package main

import (
	"context"
	"flag"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/thankyou/internal/diag"
	"github.com/m-lab/thankyou/internal/handler"
	"github.com/m-lab/thankyou/pkg/submission"
)

var (
	flagEndpoint   = flag.String("addr", ":8080", "Listen address/port for the thank-you views")
	flagBackendURL = flag.String("backend", "http://localhost:3000", "Base URL of the submissions backend")
	flagDataDir    = flag.String("datadir", "./data", "Directory to archive finished runs in. Disabled if empty")
	flagViewTTL    = flag.Duration("view.ttl", 30*time.Minute, "How long an idle view is kept")
	flagKafkaTopic = flag.String("kafka.topic", "thankyou-locations", "Kafka topic for location diagnostics")
	flagDebug      = flag.Bool("debug", false, "Enable debug logging")
	kafkaBrokers   = flagx.StringArray{}
)

func init() {
	flag.Var(&kafkaBrokers, "kafka.broker", "Kafka broker address for location diagnostics (repeatable)")
}

// httpServer creates a new *http.Server with explicit Read and Write
// timeouts, the provided address and handler.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}
}

func main() {
	// A missing .env file is fine: flags and the environment still apply.
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file loaded", "error", err)
	}
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not read args from env")

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := url.Parse(*flagBackendURL)
	rtx.Must(err, "Invalid backend URL")

	hooks := diag.Multi{diag.LogHook{}}
	if len(kafkaBrokers) > 0 {
		kh := diag.NewKafkaHook([]string(kafkaBrokers), *flagKafkaTopic)
		defer kh.Close()
		hooks = append(hooks, kh)
		log.Info("Publishing location diagnostics", "brokers", kafkaBrokers.Get(),
			"topic", *flagKafkaTopic)
	}

	h := handler.New(handler.Config{
		BackendURL: backend,
		HTTPClient: &http.Client{Timeout: submission.DefaultTimeout},
		DataDir:    *flagDataDir,
		Hook:       hooks,
		ViewTTL:    *flagViewTTL,
	})
	defer h.Close()

	srv := httpServer(*flagEndpoint, h.Router())
	log.Info("About to listen for thank-you views", "endpoint", *flagEndpoint,
		"backend", backend.String())
	go func() {
		err := srv.ListenAndServe()
		if err != http.ErrServerClosed {
			rtx.Must(err, "Could not start server")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown failed", "error", err)
	}
}
