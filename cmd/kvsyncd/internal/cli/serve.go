package cli

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kvsync/kvsync/internal/authtoken"
	"github.com/kvsync/kvsync/internal/backend"
	"github.com/kvsync/kvsync/internal/kvstore"
	"github.com/kvsync/kvsync/internal/metrics"
	"github.com/kvsync/kvsync/internal/transport/httpapi"
	"github.com/kvsync/kvsync/internal/wsnotify"
)

var (
	serveAddr       string
	serveName       string
	serveDataDir    string
	serveMemstore   bool
	serveAuthSecret string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference push/pull server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", envOrDefault("KVSYNCD_ADDR", "127.0.0.1:8080"), "Listen address")
	serveCmd.Flags().StringVar(&serveName, "name", envOrDefault("KVSYNCD_NAME", "kvsyncd"), "Store identifier")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", envOrDefault("KVSYNCD_DATA_DIR", "."), "Durable backend directory")
	serveCmd.Flags().BoolVar(&serveMemstore, "memstore", false, "Use the in-memory backend instead of the durable one")
	serveCmd.Flags().StringVar(&serveAuthSecret, "auth-secret", os.Getenv("KVSYNCD_AUTH_SECRET"), "HMAC secret requiring bearer auth on every /push and /pull request; empty disables auth")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logrus.WithField("component", "kvsyncd")

	be, err := openBackend()
	if err != nil {
		return err
	}

	store, err := kvstore.Open(be)
	if err != nil {
		return err
	}
	defer store.Close()

	var verifier *authtoken.Provider
	if serveAuthSecret != "" {
		verifier = authtoken.New([]byte(serveAuthSecret), serveName, time.Hour)
	}

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)

	hub := wsnotify.NewHub()
	defer hub.Close()
	store.OnCommit(hub.OnCommit)

	mux := http.NewServeMux()
	mux.Handle("/", instrument(collectors, httpapi.New(store, verifier).Router()))
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", serveAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sig:
		log.Info("shutting down")
		return srv.Close()
	}
}

// instrument times /push and /pull requests into the given collectors;
// every other route passes through untouched.
func instrument(c *metrics.Collectors, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start).Seconds()
		ok := rec.status < 400

		switch r.URL.Path {
		case "/push":
			c.ObservePush(ok, elapsed)
		case "/pull":
			c.ObservePull(ok, elapsed)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func openBackend() (backend.Backend, error) {
	if serveMemstore {
		return backend.NewMemory(serveName), nil
	}
	return backend.OpenDurable(serveDataDir, serveName, backend.DurableConfig{})
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
