package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"proxyhub/internal/service/web"
	"proxyhub/internal/shared/config"
	"proxyhub/internal/shared/logger"
	"proxyhub/internal/shared/types"
	manager "proxyhub/proxypool"
	"proxyhub/proxypool/model"
	"proxyhub/proxypool/storage"
	"proxyhub/proxypool/transport"
)

const usage = `Usage: proxyhub [flags] <get|refresh|list|serve>

Commands:
  get      print one random validated proxy (refreshing when stale)
  refresh  run one harvest and validation cycle
  list     print the whole validated pool
  serve    run the web API until interrupted

Flags:
`

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	force := flag.Bool("force", false, "Refresh before serving the proxy")
	noRefresh := flag.Bool("no-refresh", false, "Never refresh a stale pool on get")
	checkURL := flag.String("url", "", "Check URL for validation (overrides check_url)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	iniPath := filepath.Join(*configDir, "proxyhub.ini")

	// 1. 加载配置：默认值 -> .ini (可选) -> 环境变量
	cfg, err := config.Load(iniPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 组装代理池
	m := manager.NewManager(
		cfg,
		transport.NewHTTPFetcher(cfg.HubConf.UserAgent),
		storage.NewJSONStore(cfg.HubConf.StoreFile),
		storage.NewCandidateFile(cfg.HubConf.CandidatesFile),
	)
	if err := m.Setup(); err != nil {
		logger.Fatal().Err(err).Msgf("Failed to set up store '%s'", cfg.HubConf.StoreFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. 执行子命令
	switch cmd := flag.Arg(0); cmd {
	case "get":
		err = runGet(ctx, m, os.Stdout, manager.GetOptions{
			CheckURL:     *checkURL,
			ForceRefresh: *force,
			AllowRefresh: !*noRefresh,
		})
	case "refresh":
		err = runRefresh(ctx, m, os.Stdout, *checkURL)
	case "list":
		err = runList(m, os.Stdout)
	case "serve":
		err = runServe(ctx, cfg, m)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command '%s'\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, manager.ErrNoProxies) {
			fmt.Fprintln(os.Stderr, "No validated proxies available.")
			os.Exit(3)
		}
		logger.Fatal().Err(err).Msg("Command failed.")
	}
}

func runGet(ctx context.Context, m *manager.Manager, out io.Writer, opts manager.GetOptions) error {
	c, p, err := m.Get(ctx, opts)
	if err != nil {
		return err
	}
	printProxy(out, c, p)
	return nil
}

func runRefresh(ctx context.Context, m *manager.Manager, out io.Writer, checkURL string) error {
	store, err := m.Refresh(ctx, checkURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d proxies validated at %s\n", store.Len(), storage.FormatTimestamp(store.UpdatedAt))
	return nil
}

func runList(m *manager.Manager, out io.Writer) error {
	store, err := m.Snapshot()
	if err != nil {
		return err
	}
	state := "fresh"
	if m.IsStale(store.UpdatedAt) {
		state = "stale"
	}
	fmt.Fprintf(out, "# updated_at=%s (%s), %d proxies\n", storage.FormatTimestamp(store.UpdatedAt), state, store.Len())
	for _, c := range store.Candidates() {
		printProxy(out, c, store.Proxies[c])
	}
	return nil
}

func runServe(ctx context.Context, cfg *types.Config, m *manager.Manager) error {
	if cfg.WebConf.Port <= 0 {
		return fmt.Errorf("serve requires [web] port to be set")
	}

	hub := web.NewHub()
	go hub.Run(ctx)
	m.OnRefresh(hub.BroadcastRefresh)

	var wg sync.WaitGroup
	srv, err := web.StartServer(ctx, &wg, cfg.WebConf, m, hub)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Web server shutdown error.")
	}
	wg.Wait()
	return nil
}

func printProxy(out io.Writer, c model.Candidate, p model.ValidatedProxy) {
	fmt.Fprintf(out, "%s %s", c, p.Type)
	if p.Country != "" {
		fmt.Fprintf(out, " %s %s", p.Country, p.City)
	}
	fmt.Fprintln(out)
}
