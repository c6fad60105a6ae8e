package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/retry"
	"github.com/coder/serpent"

	"github.com/crawlmeter/crawlmeter/meterd"
	"github.com/crawlmeter/crawlmeter/meterd/database"
	"github.com/crawlmeter/crawlmeter/meterd/database/dbmem"
	"github.com/crawlmeter/crawlmeter/meterd/database/dbmetrics"
	"github.com/crawlmeter/crawlmeter/meterd/database/migrations"
)

//nolint:gocognit
func (r *RootCmd) server() *serpent.Command {
	var (
		address          string
		postgresURL      string
		inMemoryDatabase bool
		promEnabled      bool
		apiRateLimit     int64
	)
	cmd := &serpent.Command{
		Use:        "server",
		Short:      "Start a meter server",
		Middleware: serpent.RequireNArgs(0),
		Handler: func(inv *serpent.Invocation) error {
			ctx, cancel := context.WithCancel(inv.Context())
			defer cancel()

			logger := r.logger(inv)

			listener, err := net.Listen("tcp", address)
			if err != nil {
				return xerrors.Errorf("listen %q: %w", address, err)
			}
			defer listener.Close()

			tcpAddr, valid := listener.Addr().(*net.TCPAddr)
			if !valid {
				return xerrors.New("must be listening on tcp")
			}
			// If just a port is specified, assume localhost.
			if tcpAddr.IP.IsUnspecified() {
				tcpAddr.IP = net.IPv4(127, 0, 0, 1)
			}
			localURL := &url.URL{
				Scheme: "http",
				Host:   tcpAddr.String(),
			}

			options := &meterd.Options{
				Logger:       logger.Named("meterd"),
				Database:     dbmem.New(),
				APIRateLimit: int(apiRateLimit),
			}
			if promEnabled {
				options.PrometheusRegistry = prometheus.NewRegistry()
				options.PrometheusRegistry.MustRegister(collectors.NewGoCollector())
				options.PrometheusRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			}

			if inMemoryDatabase {
				logger.Info(ctx, "using an in-memory database, traffic will not survive a restart")
			} else {
				if postgresURL == "" {
					return xerrors.Errorf("no database configured, pass --postgres-url or --in-memory")
				}
				sqlDB, err := ConnectToPostgres(ctx, logger, postgresURL)
				if err != nil {
					return err
				}
				defer func() {
					_ = sqlDB.Close()
				}()
				options.Database = database.New(sqlDB)
			}
			if options.PrometheusRegistry != nil {
				options.Database = dbmetrics.New(options.Database, options.PrometheusRegistry)
			}

			handler := meterd.New(options)

			shutdownConnsCtx, shutdownConns := context.WithCancel(ctx)
			defer shutdownConns()
			server := &http.Server{
				// These errors are typically noise like "TLS: EOF". Vault does similar:
				// https://github.com/hashicorp/vault/blob/e2490059d0711635e529a4efcbaa1b26998d6e1c/command/server.go#L2714
				ErrorLog: log.New(io.Discard, "", 0),
				Handler:  handler,
				BaseContext: func(_ net.Listener) context.Context {
					return shutdownConnsCtx
				},
			}
			defer func() {
				_ = shutdownWithTimeout(server, 5*time.Second)
			}()

			// Since errCh only has one buffered slot, all routines
			// sending on it must be wrapped in a select/default to
			// avoid leaving dangling goroutines waiting for the
			// channel to be consumed.
			errCh := make(chan error, 1)
			go func() {
				select {
				case errCh <- server.Serve(listener):
				default:
				}
			}()

			logger.Info(ctx, "started meter server", slog.F("access_url", localURL.String()))
			_, _ = fmt.Fprintf(inv.Stdout, "View job traffic: %s/api/v0/jobs\n", localURL)
			_, _ = fmt.Fprintln(inv.Stdout, "==> Logs will stream in below (press ctrl+c to gracefully exit):")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			// Currently there is no way to ask the server to shut
			// itself down, so any exit signal will result in a non-zero
			// exit of the server.
			var exitErr error
			select {
			case <-ctx.Done():
				exitErr = ctx.Err()
				_, _ = fmt.Fprintln(inv.Stdout, "Interrupt caught, gracefully exiting...")
			case exitErr = <-errCh:
			}
			if exitErr != nil && !xerrors.Is(exitErr, context.Canceled) {
				_, _ = fmt.Fprintf(inv.Stderr, "Unexpected error, shutting down server: %s\n", exitErr)
			}

			// Stop accepting new connections without interrupting
			// in-flight requests, give in-flight requests 5 seconds to
			// complete.
			err = shutdownWithTimeout(server, 5*time.Second)
			if err != nil {
				_, _ = fmt.Fprintf(inv.Stderr, "API server shutdown took longer than 5s: %s\n", err)
			}
			// Cancel any remaining in-flight requests.
			shutdownConns()

			return exitErr
		},
	}

	cmd.Options = serpent.OptionSet{
		{
			Flag:          "address",
			FlagShorthand: "a",
			Env:           "CRAWLMETER_ADDRESS",
			Description:   "Bind address of the server.",
			Default:       "127.0.0.1:3846",
			Value:         serpent.StringOf(&address),
		},
		{
			Flag:        "postgres-url",
			Env:         "CRAWLMETER_POSTGRES_URL",
			Description: "URL of a PostgreSQL database to store traffic in.",
			Value:       serpent.StringOf(&postgresURL),
		},
		{
			Flag:        "in-memory",
			Env:         "CRAWLMETER_IN_MEMORY",
			Description: "Store traffic in an in-memory database instead of PostgreSQL. Data does not survive a restart.",
			Value:       serpent.BoolOf(&inMemoryDatabase),
		},
		{
			Flag:        "prometheus-enable",
			Env:         "CRAWLMETER_PROMETHEUS_ENABLE",
			Description: "Serve prometheus metrics on /metrics.",
			Value:       serpent.BoolOf(&promEnabled),
		},
		{
			Flag:        "api-rate-limit",
			Env:         "CRAWLMETER_API_RATE_LIMIT",
			Description: "Maximum number of requests per minute allowed to the API per client IP. Negative values disable the limiter.",
			Default:     "512",
			Value:       serpent.Int64Of(&apiRateLimit),
		},
	}

	return cmd
}

// ConnectToPostgres dials the database, waits for it to accept
// connections and brings the schema up to date.
func ConnectToPostgres(ctx context.Context, logger slog.Logger, dbURL string) (*sql.DB, error) {
	logger.Debug(ctx, "connecting to postgresql")

	sqlDB, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, xerrors.Errorf("dial postgres: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = sqlDB.Close()
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
	defer pingCancel()
	for re := retry.New(time.Second, 3*time.Second); re.Wait(pingCtx); {
		err = sqlDB.PingContext(pingCtx)
		if err == nil {
			break
		}
		logger.Warn(ctx, "failed to ping postgres, retrying", slog.Error(err))
	}
	if err == nil {
		err = pingCtx.Err()
	}
	if err != nil {
		return nil, xerrors.Errorf("ping postgres: %w", err)
	}

	err = migrations.Up(sqlDB)
	if err != nil {
		return nil, xerrors.Errorf("migrate up: %w", err)
	}

	// Limit the pool so a burst of reports cannot exhaust the
	// database's connection slots.
	sqlDB.SetMaxOpenConns(10)

	ok = true
	return sqlDB, nil
}

func shutdownWithTimeout(s interface{ Shutdown(context.Context) error }, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}
