// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Program sirr is an ephemeral secret-storage daemon and its offline
// key-rotation companion command.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carabiner-dev/sirr/audit"
	"github.com/carabiner-dev/sirr/crypto"
	"github.com/carabiner-dev/sirr/db"
	"github.com/carabiner-dev/sirr/internal/version"
	"github.com/carabiner-dev/sirr/license"
	"github.com/carabiner-dev/sirr/server"
	"github.com/carabiner-dev/sirr/webhook"
)

func main() {
	root := &command.C{
		Name:  filepath.Base(os.Args[0]),
		Usage: "serve [flags]\nrotate [flags]\nhelp [command]",
		Help:  "Sirr is an ephemeral secret-storage daemon.",

		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Start the Sirr daemon.",
				SetFlags: command.Flags(flax.MustBind, &serveArgs),
				Run:      command.Adapt(runServe),
			},
			{
				Name:     "rotate",
				Help:     "Rotate the master key offline. Refuses to run while the daemon holds the database lock.",
				SetFlags: command.Flags(flax.MustBind, &rotateArgs),
				Run:      command.Adapt(runRotate),
			},
			command.HelpCommand(nil),
			{
				Name: "version",
				Help: "Print the sirr build version.",
				Run: command.Adapt(func(env *command.Env) error {
					fmt.Fprintln(env.Output(), version.Long())
					return nil
				}),
			},
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

var serveArgs struct {
	Host     string `flag:"host,default=$SIRR_HOST,Address to bind"`
	Port     string `flag:"port,default=$SIRR_PORT,Port to bind"`
	DataDir  string `flag:"data-dir,default=$SIRR_DATA_DIR,Directory holding sirr.key and sirr.db"`
	LogLevel string `flag:"log-level,default=$SIRR_LOG_LEVEL,Log level (debug, info, warn, error)"`
}

var rotateArgs struct {
	DataDir string `flag:"data-dir,default=$SIRR_DATA_DIR,Directory holding sirr.key and sirr.db"`
}

const (
	keyFileName = "sirr.key"
	dbFileName  = "sirr.db"
)

func runServe(env *command.Env) error {
	if serveArgs.DataDir == "" {
		serveArgs.DataDir = "."
	}
	if serveArgs.Host == "" {
		serveArgs.Host = "127.0.0.1"
	}
	if serveArgs.Port == "" {
		serveArgs.Port = "8443"
	}

	setupLogging(serveArgs.LogLevel)

	if err := os.MkdirAll(serveArgs.DataDir, 0700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	bdb, err := db.OpenFile(filepath.Join(serveArgs.DataDir, dbFileName))
	if err != nil {
		return err
	}
	defer bdb.Close()

	currentVersion, err := db.PeekMaxKeyVersion(bdb)
	if err != nil {
		return fmt.Errorf("scanning current key version: %w", err)
	}
	if currentVersion == 0 {
		currentVersion = 1
	}

	key, err := loadOrCreateKey(filepath.Join(serveArgs.DataDir, keyFileName), currentVersion)
	if err != nil {
		return err
	}
	defer key.Close()

	store, err := db.NewStore(bdb, key, log.Logger)
	if err != nil {
		return err
	}
	auditLog, err := audit.Open(bdb, log.Logger)
	if err != nil {
		return err
	}

	allowedOrigins := splitNonEmpty(os.Getenv("SIRR_WEBHOOK_ALLOWED_ORIGINS"), ",")
	webhooks, err := webhook.Open(bdb, allowedOrigins, os.Getenv("SIRR_WEBHOOK_SECRET"), log.Logger)
	if err != nil {
		return err
	}

	gate := license.New(os.Getenv("SIRR_LICENSE_KEY"), nil)

	trustedProxies, err := parsePrefixes(splitNonEmpty(os.Getenv("SIRR_TRUSTED_PROXIES"), ","))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	server.New(server.Config{
		Store:           store,
		Audit:           auditLog,
		Webhooks:        webhooks,
		License:         gate,
		Mux:             mux,
		APIKey:          os.Getenv("SIRR_API_KEY"),
		TrustedProxies:  trustedProxies,
		RedactAuditKeys: os.Getenv("SIRR_REDACT_AUDIT_KEYS") == "true",
		InstanceID:      uuid.NewString(),
		Log:             log.Logger,
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go store.RunSweeper(sweepCtx, time.Minute)

	addr := net.JoinHostPort(serveArgs.Host, serveArgs.Port)
	httpServer := &http.Server{Addr: addr, Handler: corsWrap(mux)}

	if os.Getenv("NO_BANNER") == "" {
		log.Info().Str("addr", addr).Msg("sirr listening")
	}

	go func() {
		<-env.Context().Done()
		log.Info().Uint64("writes", store.Gen()).Msg("shutting down")
		stopSweep()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func runRotate(env *command.Env) error {
	if rotateArgs.DataDir == "" {
		rotateArgs.DataDir = "."
	}
	keyPath := filepath.Join(rotateArgs.DataDir, keyFileName)

	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("reading key file (is the data dir correct?): %w", err)
	}
	oldKey, err := crypto.NewKey(raw, 0)
	if err != nil {
		return fmt.Errorf("loading current key (corrupt key file?): %w", err)
	}
	defer oldKey.Close()

	bdb, err := db.OpenFile(filepath.Join(rotateArgs.DataDir, dbFileName))
	if err != nil {
		return err
	}
	defer bdb.Close()

	store, err := db.NewStore(bdb, oldKey, zerolog.Nop())
	if err != nil {
		return err
	}

	currentVersion, err := store.MaxKeyVersion()
	if err != nil {
		return fmt.Errorf("scanning current key version: %w", err)
	}

	newRaw, err := crypto.GenerateRawKey()
	if err != nil {
		return err
	}
	newVersion := currentVersion + 1
	// NewKey wipes the slice it is given; newRaw is still needed for
	// the key file, so NewKey gets a copy.
	newKey, err := crypto.NewKey(append([]byte(nil), newRaw...), newVersion)
	if err != nil {
		return err
	}
	defer newKey.Close()

	count, err := store.Rotate(newKey)
	if err != nil {
		return fmt.Errorf("rotation failed, no records were modified: %w", err)
	}

	if err := os.WriteFile(keyPath, newRaw, 0600); err != nil {
		return fmt.Errorf("rotation succeeded but writing the new key file failed: %w", err)
	}

	fmt.Fprintf(env.Output(), "rotated %d secret(s) to key version %d\n", count, newVersion)
	return nil
}

func loadOrCreateKey(path string, version uint32) (*crypto.Key, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		raw, err = crypto.GenerateRawKey()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, raw, 0600); err != nil {
			return nil, fmt.Errorf("writing new key file: %w", err)
		}
		return crypto.NewKey(raw, version)
	}
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return crypto.NewKey(raw, version)
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger().Level(lvl)
}

func corsWrap(next http.Handler) http.Handler {
	origins := splitNonEmpty(os.Getenv("SIRR_CORS_ORIGINS"), ",")
	if len(origins) == 0 {
		return next
	}
	allowed := map[string]bool{}
	for _, o := range origins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		next.ServeHTTP(w, r)
	})
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted proxy CIDR %q: %w", c, err)
		}
		out = append(out, p)
	}
	return out, nil
}
