package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoappdev/autoappdev/internal/aaps"
	"github.com/autoappdev/autoappdev/internal/config"
	"github.com/autoappdev/autoappdev/internal/control"
	"github.com/autoappdev/autoappdev/internal/logtail"
	"github.com/autoappdev/autoappdev/internal/server"
	"github.com/autoappdev/autoappdev/internal/store"
)

// Exit codes: 2 usage, 3 config, 4 database, 5 runtime failure.
const (
	exitUsage   = 2
	exitConfig  = 3
	exitDB      = 4
	exitRuntime = 5
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		serve(args)
	case "apply-schema":
		applySchema(args)
	case "db-smoketest":
		dbSmoketest(args)
	case "codegen":
		codegen(args)
	default:
		usage()
		os.Exit(exitUsage)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  autoappdev serve [--repo <path>]")
	fmt.Fprintln(os.Stderr, "  autoappdev apply-schema")
	fmt.Fprintln(os.Stderr, "  autoappdev db-smoketest")
	fmt.Fprintln(os.Stderr, "  autoappdev codegen --ir <ir.json> --template <runner.sh> [--out <file>]")
}

// codegen renders an IR document into a runner script by splicing the
// generated bash body into the template placeholder. Writes to stdout unless
// --out is given.
func codegen(args []string) {
	var irPath, templatePath, outPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--ir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--ir requires a value")
				os.Exit(exitUsage)
			}
			irPath = args[i]
		case "--template":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--template requires a value")
				os.Exit(exitUsage)
			}
			templatePath = args[i]
		case "--out":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--out requires a value")
				os.Exit(exitUsage)
			}
			outPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitUsage)
		}
	}
	if irPath == "" || templatePath == "" {
		usage()
		os.Exit(exitUsage)
	}
	irRaw, err := os.ReadFile(irPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntime)
	}
	ir, err := aaps.ValidateIRDocument(irRaw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	template, err := os.ReadFile(templatePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntime)
	}
	out, err := aaps.RenderRunner(ir, string(template))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	if outPath == "" {
		fmt.Print(out)
		return
	}
	if err := os.WriteFile(outPath, []byte(out), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntime)
	}
	fmt.Printf("runner written: %s\n", outPath)
}

func repoRootArg(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "--repo" {
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--repo requires a value")
				os.Exit(exitUsage)
			}
			return args[i]
		}
		fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
		os.Exit(exitUsage)
	}
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntime)
	}
	return wd
}

func loadConfig(args []string) *config.Config {
	cfg, err := config.Load(repoRootArg(args))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	return cfg
}

// openStore picks the driver: Postgres when DATABASE_URL is set, else the
// JSON file under the runtime dir.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) store.Store {
	if cfg.DatabaseURL != "" {
		st, err := store.NewPGStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error().Err(err).Str("dsn", sanitizeDSN(cfg.DatabaseURL)).Msg("postgres unavailable")
			os.Exit(exitDB)
		}
		if err := st.ApplySchema(ctx); err != nil {
			log.Error().Err(err).Msg("apply schema")
			os.Exit(exitDB)
		}
		log.Info().Str("dsn", sanitizeDSN(cfg.DatabaseURL)).Msg("store: postgres")
		return st
	}
	st, err := store.NewFileStore(cfg.RuntimeDir)
	if err != nil {
		log.Error().Err(err).Msg("file store unavailable")
		os.Exit(exitRuntime)
	}
	log.Info().Str("runtime_dir", cfg.RuntimeDir).Msg("store: json file")
	return st
}

func serve(args []string) {
	cfg := loadConfig(args)

	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntime)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.LogDir(), "backend.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntime)
	}
	defer logFile.Close()

	// Backend log lines land both on stderr and in backend.log, where the
	// file tailer picks them up for /api/logs.
	out := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
		io.Writer(logFile),
	)
	log := zerolog.New(out).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := openStore(ctx, cfg, log)
	defer st.Close()

	ctrl := control.New(st, cfg.RepoRoot, cfg.RuntimeDir, log)
	buf := logtail.NewBuffer(logtail.DefaultMaxEntries)
	srv := server.New(cfg, st, ctrl, buf, log)
	srv.StartBackground()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		srv.Shutdown()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server failed")
			os.Exit(exitRuntime)
		}
	}
}

func applySchema(args []string) {
	cfg := loadConfig(args)
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "apply-schema requires DATABASE_URL")
		os.Exit(exitConfig)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := store.NewPGStore(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitDB)
	}
	defer st.Close()
	if err := st.ApplySchema(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitDB)
	}
	fmt.Printf("schema applied: %s\n", sanitizeDSN(cfg.DatabaseURL))
}

// dbSmoketest exercises one write and one read per store area against the
// configured backend.
func dbSmoketest(args []string) {
	cfg := loadConfig(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	st := openStore(ctx, cfg, log)
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitDB)
	}
	if err := st.SetConfig(ctx, "smoketest", []byte(`"ok"`)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitDB)
	}
	raw, err := st.GetConfig(ctx, "smoketest")
	if err != nil || string(raw) != `"ok"` {
		fmt.Fprintf(os.Stderr, "config round-trip failed: %v %q\n", err, raw)
		os.Exit(exitDB)
	}
	msg, err := st.AppendMessage(ctx, store.QueueChat, "user", "smoketest")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitDB)
	}
	fmt.Printf("ok: config round-trip, message id=%d\n", msg.ID)
}

var kvPasswordRe = regexp.MustCompile(`(^|\s)password=\S+`)

// sanitizeDSN masks credentials so connection strings can be logged.
func sanitizeDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		if u.User != nil {
			name := u.User.Username()
			if _, has := u.User.Password(); has {
				u.User = url.UserPassword(name, "xxxxx")
			}
		}
		return u.String()
	}
	return kvPasswordRe.ReplaceAllString(dsn, "${1}password=xxxxx")
}
