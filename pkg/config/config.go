// Package config defines the gateway's configuration surface and the
// flag parsing that populates it, using the short/long flag coalescing
// idiom this codebase's other command-line entry points use.
package config

import (
	"flag"
	"io"
	"time"

	"github.com/ha1tch/pglite/pkg/log"
)

// Options is the immutable, fully-resolved configuration a gateway
// instance runs with.
type Options struct {
	ListenAddr string

	BackendKind       string // reserved for future backend variants; only "simple" exists
	AuthenticatorKind string // reserved for future authenticator variants; only "basic" exists
	AuthCredential    string
	AuthCredentialFile string // when set, takes precedence and hot-reloads via pkg/credwatch

	ConsoleLogLevel log.Level
	FileLogLevel    log.Level
	FileLogPath     string
	LogFormat       log.Format

	DBRoot          string
	IdleTimeout     time.Duration
	BackendTimeout  time.Duration

	TLSCertFile string
	TLSKeyFile  string
	TLSGenerate bool // generate and use an ephemeral self-signed cert, ignoring TLSCertFile/TLSKeyFile

	ShowHelp    bool
	ShowVersion bool
}

// Default returns the documented defaults.
func Default() Options {
	return Options{
		ListenAddr:        "0.0.0.0:5432",
		BackendKind:       "simple",
		AuthenticatorKind: "basic",
		AuthCredential:    "",
		ConsoleLogLevel:   log.LevelInfo,
		FileLogLevel:      log.LevelOff,
		FileLogPath:       "/var/log/pglite",
		LogFormat:         log.FormatText,
		DBRoot:            "./local-data",
		IdleTimeout:       600 * time.Second,
		BackendTimeout:    10 * time.Second,
	}
}

// Parse builds Options from command-line args, coalescing short/long
// flag pairs.
func Parse(args []string, stderr io.Writer) (Options, error) {
	opts := Default()

	fs := flag.NewFlagSet("pglite", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		listen  = fs.String("listen", opts.ListenAddr, "Listen address")
		listenL = fs.String("l", opts.ListenAddr, "Listen address (short)")

		authConfig  = fs.String("auth-config", opts.AuthCredential, "Cleartext password credential")
		authConfigL = fs.String("a", opts.AuthCredential, "Cleartext password credential (short)")

		authConfigFile = fs.String("auth-config-file", "", "Path to a file holding the cleartext password credential, hot-reloaded on change")

		dbRoot  = fs.String("db-root", opts.DBRoot, "Root directory for per-database SQLite files")
		dbRootL = fs.String("d", opts.DBRoot, "Root directory for per-database SQLite files (short)")

		idleTimeout = fs.Duration("db-idle-timeout", opts.IdleTimeout, "Idle timeout before a backend worker self-evicts")

		backendTimeout = fs.Duration("backend-timeout", opts.BackendTimeout, "Per-request deadline waiting on a backend worker")

		tlsCertFile = fs.String("tls-cert", "", "TLS certificate file (enables TLS upgrade on SSLRequest)")
		tlsKeyFile  = fs.String("tls-key", "", "TLS private key file, paired with -tls-cert")
		tlsGenerate = fs.Bool("tls-generate", false, "Generate and use an ephemeral self-signed certificate instead of -tls-cert/-tls-key")

		consoleLevel = fs.String("log-level", opts.ConsoleLogLevel.String(), "Console log level (debug, info, warn, error, off)")
		fileLevel    = fs.String("file-log-level", opts.FileLogLevel.String(), "File log level (debug, info, warn, error, off)")
		filePath     = fs.String("file-log-path", opts.FileLogPath, "File log path")
		logFormat    = fs.String("log-format", "text", "Log format (text, json)")

		showHelp     = fs.Bool("h", false, "Show help")
		showHelpL    = fs.Bool("help", false, "Show help")
		showVersion  = fs.Bool("v", false, "Show version")
		showVersionL = fs.Bool("version", false, "Show version")
	)

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if *listenL != opts.ListenAddr {
		*listen = *listenL
	}
	if *authConfigL != "" {
		*authConfig = *authConfigL
	}
	if *dbRootL != opts.DBRoot {
		*dbRoot = *dbRootL
	}
	if *showHelpL {
		*showHelp = true
	}
	if *showVersionL {
		*showVersion = true
	}

	opts.ListenAddr = *listen
	opts.AuthCredential = *authConfig
	opts.AuthCredentialFile = *authConfigFile
	opts.DBRoot = *dbRoot
	opts.IdleTimeout = *idleTimeout
	opts.BackendTimeout = *backendTimeout
	opts.FileLogPath = *filePath
	opts.TLSCertFile = *tlsCertFile
	opts.TLSKeyFile = *tlsKeyFile
	opts.TLSGenerate = *tlsGenerate
	opts.ShowHelp = *showHelp
	opts.ShowVersion = *showVersion

	if lvl, err := log.ParseLevel(*consoleLevel); err == nil {
		opts.ConsoleLogLevel = lvl
	}
	if lvl, err := log.ParseLevel(*fileLevel); err == nil {
		opts.FileLogLevel = lvl
	}
	if *logFormat == "json" {
		opts.LogFormat = log.FormatJSON
	}

	return opts, nil
}
