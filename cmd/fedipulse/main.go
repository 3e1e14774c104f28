package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"fedipulse/internal/config"
	"fedipulse/internal/discovery"
	"fedipulse/internal/health"
	"fedipulse/internal/kvstore"
	"fedipulse/internal/lang"
	"fedipulse/internal/logging"
	"fedipulse/internal/metrics"
	"fedipulse/internal/model"
	"fedipulse/internal/optout"
	"fedipulse/internal/orchestrate"
	"fedipulse/internal/store"
	"fedipulse/internal/text"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "init":
		cmdInit()
	case "crawl":
		cmdCrawl()
	case "multisource":
		cmdMultiSource()
	case "lifecycle":
		cmdLifecycle()
	case "health":
		cmdHealth()
	case "trending":
		cmdTrending()
	case "serve":
		cmdServe()
	default:
		printHelp()
	}
}

func printHelp() {
	fmt.Println("Usage: fedipulse <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init         Create a config file at ./fedipulse.yaml")
	fmt.Println("  crawl        One aggregate pass over all configured instances")
	fmt.Println("  multisource  One pass over the healthiest instances, all strategies")
	fmt.Println("  lifecycle    One lifecycle sweep of stored posts")
	fmt.Println("  health       Show per-instance health state")
	fmt.Println("  trending     Show the highest-scored stored posts")
	fmt.Println("  serve        Run the cron scheduler and metrics server")
}

// app bundles everything a command needs, built once from config.
type app struct {
	cfg     config.Config
	store   *store.Store
	kv      *kvstore.Store
	monitor *health.Monitor
	orch    *orchestrate.Orchestrator
}

func mustOpen(cfgPath, level string) *app {
	logging.Setup(level)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	kv, err := kvstore.Open(cfg.Storage.KVPath)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	monitor := health.NewMonitor(kv, cfg.RateCap)
	engine := discovery.NewEngine(monitor, lang.New(nil),
		optout.New(kv, cfg.Crawl.OptOutTags, cfg.Crawl.OptOutFailClosed), st, cfg)
	return &app{
		cfg:     cfg,
		store:   st,
		kv:      kv,
		monitor: monitor,
		orch:    orchestrate.New(cfg, engine, monitor, st),
	}
}

func (a *app) close() {
	_ = a.store.Close()
	_ = a.kv.Close()
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "./fedipulse.yaml", "path to write config")
	_ = fs.Parse(os.Args[2:])
	if err := config.Save(*path, config.Default()); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	abs, _ := filepath.Abs(*path)
	fmt.Println("Config written to:", abs)
}

func cmdCrawl() {
	fs := flag.NewFlagSet("crawl", flag.ExitOnError)
	cfgPath := fs.String("config", "./fedipulse.yaml", "config path")
	level := fs.String("log", "info", "log level")
	_ = fs.Parse(os.Args[2:])
	a := mustOpen(*cfgPath, *level)
	defer a.close()

	summary, err := a.orch.AggregatePass(context.Background())
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	printSummary(summary)
}

func cmdMultiSource() {
	fs := flag.NewFlagSet("multisource", flag.ExitOnError)
	cfgPath := fs.String("config", "./fedipulse.yaml", "config path")
	level := fs.String("log", "info", "log level")
	top := fs.Int("top", 0, "override number of instances taken after ranking")
	hashtags := fs.Bool("hashtags", true, "run the hashtag strategy")
	creators := fs.Bool("creators", true, "run the creator strategy")
	_ = fs.Parse(os.Args[2:])
	a := mustOpen(*cfgPath, *level)
	defer a.close()
	if *top > 0 {
		a.cfg.Crawl.TopInstances = *top
		a.orch = rebuild(a)
	}

	report, err := a.orch.MultiSourcePass(context.Background(), discovery.StrategyOpts{
		Timeline: true,
		Hashtags: *hashtags,
		Creators: *creators,
	})
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	for _, ir := range report.Instances {
		c := ir.Combined()
		fmt.Printf("%-30s discovered=%d stored=%d opt_out=%d language=%d dup=%d errors=%d\n",
			ir.Instance, c.Discovered, c.Stored, c.SkippedOptOut, c.SkippedLanguage, c.Duplicates, len(c.Errors))
	}
	fmt.Printf("total: discovered=%d stored=%d\n", report.Totals.Discovered, report.Totals.Stored)
}

// rebuild reconstructs the orchestrator after a config tweak.
func rebuild(a *app) *orchestrate.Orchestrator {
	engine := discovery.NewEngine(a.monitor, lang.New(nil),
		optout.New(a.kv, a.cfg.Crawl.OptOutTags, a.cfg.Crawl.OptOutFailClosed), a.store, a.cfg)
	return orchestrate.New(a.cfg, engine, a.monitor, a.store)
}

func cmdLifecycle() {
	fs := flag.NewFlagSet("lifecycle", flag.ExitOnError)
	cfgPath := fs.String("config", "./fedipulse.yaml", "config path")
	level := fs.String("log", "info", "log level")
	_ = fs.Parse(os.Args[2:])
	a := mustOpen(*cfgPath, *level)
	defer a.close()

	res, err := a.orch.LifecyclePass(context.Background())
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	fmt.Printf("examined=%d relevant=%d archived=%d purged=%d deleted=%d\n",
		res.Examined, res.Relevant, res.Archived, res.Purged, res.Deleted)
}

func cmdHealth() {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	cfgPath := fs.String("config", "./fedipulse.yaml", "config path")
	level := fs.String("log", "warn", "log level")
	_ = fs.Parse(os.Args[2:])
	a := mustOpen(*cfgPath, *level)
	defer a.close()

	// Force-load persisted state for every configured host.
	for _, host := range a.cfg.Instances.Hosts {
		a.monitor.Check(host)
	}
	snap := a.monitor.Snapshot()
	hosts := make([]string, 0, len(snap))
	for h := range snap {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	for _, h := range hosts {
		s := snap[h]
		line := fmt.Sprintf("%-30s %-10s err_rate=%.2f avg_rt=%.2fs streak=%d window=%d",
			h, s.Status, s.ErrorRate, s.AvgResponseTime, s.ConsecutiveFailures, s.RequestsInWindow)
		if !s.BackoffUntil.IsZero() {
			line += " backoff_until=" + s.BackoffUntil.Format("15:04:05")
		}
		fmt.Println(line)
	}
}

func cmdTrending() {
	fs := flag.NewFlagSet("trending", flag.ExitOnError)
	cfgPath := fs.String("config", "./fedipulse.yaml", "config path")
	level := fs.String("log", "warn", "log level")
	limit := fs.Int("limit", 20, "rows to show")
	stages := fs.String("stages", "", "comma-separated lifecycle stages (default fresh,relevant)")
	_ = fs.Parse(os.Args[2:])
	a := mustOpen(*cfgPath, *level)
	defer a.close()

	var stageList []string
	for _, s := range strings.Split(*stages, ",") {
		if s = strings.TrimSpace(s); s != "" {
			stageList = append(stageList, s)
		}
	}
	rows, err := a.store.ListTrending(context.Background(), stageList, *limit)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	for _, r := range rows {
		content := text.NormalizeWhitespace(text.StripMarkup(r.Content))
		if len(content) > 80 {
			content = content[:80] + "..."
		}
		fmt.Printf("%.2f [%s/%s] %s (%s) %s\n",
			r.TrendingScore, r.ReasonType, r.ReasonDetail, content, r.Language, r.SourceInstance)
	}
}

func cmdServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "./fedipulse.yaml", "config path")
	level := fs.String("log", "info", "log level")
	_ = fs.Parse(os.Args[2:])
	a := mustOpen(*cfgPath, *level)
	defer a.close()

	metrics.StartServer(a.cfg.Metrics.Addr)
	sched, err := orchestrate.NewScheduler(a.cfg.Schedule, a.orch)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	sched.Start()
	logging.Info().Str("metrics", a.cfg.Metrics.Addr).Msg("fedipulse serving")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logging.Info().Msg("shutting down")
	<-sched.Stop().Done()
}

func printSummary(s model.SessionSummary) {
	fmt.Printf("session %s: crawled=%d discovered=%d stored=%d opt_out=%d errors=%d in %s\n",
		s.ID, s.InstancesCrawled, s.PostsDiscovered, s.PostsStored,
		s.PostsSkippedOptOut, s.ErrorCount, s.Duration.Round(time.Millisecond))
	for lang, n := range s.LanguageBreakdown {
		fmt.Printf("  %s: %d\n", lang, n)
	}
	for _, e := range s.Errors {
		fmt.Println("  error:", e)
	}
}
