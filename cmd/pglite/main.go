package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ha1tch/pglite/pkg/backend"
	"github.com/ha1tch/pglite/pkg/config"
	"github.com/ha1tch/pglite/pkg/credwatch"
	"github.com/ha1tch/pglite/pkg/log"
	"github.com/ha1tch/pglite/pkg/tlsutil"
	"github.com/ha1tch/pglite/pkg/version"
	"github.com/ha1tch/pglite/pkg/wire"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := config.Parse(args, stderr)
	if err != nil {
		return 2
	}

	if opts.ShowHelp {
		printUsage(stdout)
		return 0
	}
	if opts.ShowVersion {
		fmt.Fprintln(stdout, version.Full())
		return 0
	}

	logger, err := log.NewConsoleAndFile(opts.ConsoleLogLevel, opts.FileLogLevel, opts.FileLogPath, opts.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "error opening log file: %v\n", err)
		return 1
	}
	defer logger.Close()
	log.SetDefault(logger)

	pool := backend.NewPool(opts.DBRoot, opts.IdleTimeout, logger)

	var authFactory func() wire.Authenticator
	if opts.AuthCredentialFile != "" {
		watcher, err := credwatch.New(opts.AuthCredentialFile, logger)
		if err != nil {
			fmt.Fprintf(stderr, "error watching credential file: %v\n", err)
			return 1
		}
		if err := watcher.Start(); err != nil {
			fmt.Fprintf(stderr, "error watching credential file: %v\n", err)
			return 1
		}
		defer watcher.Stop()
		authFactory = func() wire.Authenticator {
			return wire.NewCleartextAuthenticatorFromSource(watcher.Secret)
		}
	} else {
		authFactory = func() wire.Authenticator {
			return wire.NewCleartextAuthenticator(opts.AuthCredential)
		}
	}

	tlsConfig, err := buildTLSConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "error configuring TLS: %v\n", err)
		return 1
	}

	listener := wire.NewListener(opts.ListenAddr, pool, authFactory, tlsConfig, opts.BackendTimeout, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- listener.Serve() }()

	fmt.Fprintf(stdout, "pglite gateway started (version %s)\n", version.Version)
	fmt.Fprintf(stdout, "  Listening: %s\n", opts.ListenAddr)
	fmt.Fprintf(stdout, "  Database root: %s\n", opts.DBRoot)
	fmt.Fprintf(stdout, "  Idle timeout: %s\n", opts.IdleTimeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.System().Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			fmt.Fprintf(stderr, "error starting listener: %v\n", err)
			return 1
		}
	}

	fmt.Fprintln(stdout, "shutting down...")
	listener.Close()
	pool.Close()
	fmt.Fprintln(stdout, "stopped")
	return 0
}

// buildTLSConfig resolves the listener's TLS capability from the
// configured flags: an ephemeral self-signed cert, an explicit
// cert/key pair, or nil (TLS upgrade disabled, SSLRequest always
// answered 'N').
func buildTLSConfig(opts config.Options) (*tls.Config, error) {
	if opts.TLSGenerate {
		return tlsutil.GenerateSelfSignedCert()
	}
	if opts.TLSCertFile == "" && opts.TLSKeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(opts.TLSCertFile, opts.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `pglite - PostgreSQL wire protocol gateway to per-database SQLite files

Usage:
  pglite [options]

Options:
  -l, --listen <addr>          Listen address (default 0.0.0.0:5432)
  -a, --auth-config <secret>   Cleartext password credential (default: none, auth always fails)
  --auth-config-file <path>    Path to a file holding the credential, hot-reloaded on change
  -d, --db-root <path>         Root directory for per-database SQLite files (default ./local-data)
  --db-idle-timeout <dur>      Idle timeout before a backend worker self-evicts (default 600s)
  --backend-timeout <dur>      Per-request deadline waiting on a backend worker (default 10s)
  --log-level <level>          Console log level: debug, info, warn, error, off (default info)
  --file-log-level <level>     File log level: debug, info, warn, error, off (default off)
  --file-log-path <path>       File log path (default /var/log/pglite)
  --log-format <format>        Log format: text, json (default text)
  --tls-cert <path>            TLS certificate file (enables TLS upgrade on SSLRequest)
  --tls-key <path>             TLS private key file, paired with --tls-cert
  --tls-generate               Generate and use an ephemeral self-signed certificate
  -h, --help                   Show help
  -v, --version                Show version

Exit Codes:
  0  Clean shutdown
  1  Startup failure
  2  CLI usage error
`)
}
