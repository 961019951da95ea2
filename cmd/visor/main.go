// Command visor is the CLI edge: it reads VISOR_* environment variables
// and flags exactly once and wires the loaded config into an Engine,
// Scheduler, Worker Pool, Rate Limiter, Schedule Store and Frontend
// Host, grounded on the teacher's main.go env-at-edge-only convention
// (no subsystem below this file re-reads the environment directly).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/visorhq/visor/internal/bus"
	"github.com/visorhq/visor/internal/config"
	"github.com/visorhq/visor/internal/engine"
	"github.com/visorhq/visor/internal/frontend"
	"github.com/visorhq/visor/internal/providers"
	"github.com/visorhq/visor/internal/scheduler"
	"github.com/visorhq/visor/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		runCmd(os.Args[1:])
		return
	}

	switch os.Args[1] {
	case "validate", "lint":
		validateCmd(os.Args[2:])
	case "schedule":
		scheduleCmd(os.Args[2:])
	case "--version":
		fmt.Println("visor (dev build)")
	case "--help":
		printUsage()
	default:
		runCmd(os.Args[1:])
	}
}

func printUsage() {
	fmt.Println(`visor [run] --config <path> [--check <name>...] [--event <trigger>] [--tags <csv>] [--fail-fast]
visor validate --config <path>
visor schedule {start|list|create|cancel|pause|resume} --config <path> ...`)
}

func loadOptionsFromEnv() config.LoadOptions {
	opts := config.LoadOptions{
		DisableRemoteExtends: os.Getenv("VISOR_NO_REMOTE_EXTENDS") == "true",
	}
	if hosts := os.Getenv("VISOR_EXTENDS_ALLOWED_HOSTS"); hosts != "" {
		opts.AllowedHosts = strings.Split(hosts, ",")
	}
	if dir, err := os.Getwd(); err == nil {
		opts.BaseDir = dir
	}
	return opts
}

func configPath(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if p := os.Getenv("VISOR_CONFIG_PATH"); p != "" {
		return p
	}
	return "visor.yaml"
}

// runCmd implements the default `run` command (spec §6).
func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to the workflow config")
	checks := fs.String("check", "", "comma-separated step names to run (default: all)")
	output := fs.String("output", "", "output format: table|json|markdown|sarif")
	eventType := fs.String("event", "manual", "trigger event type")
	tags := fs.String("tags", "", "comma-separated tag include filter")
	excludeTags := fs.String("exclude-tags", "", "comma-separated tag exclude filter")
	failFast := fs.Bool("fail-fast", false, "set fail_fast in the engine config (the engine does not stop early on a failing step)")
	maxParallelism := fs.Int("max-parallelism", 0, "override the config's max_parallelism")
	timeoutMs := fs.Int("timeout", 0, "overall invocation timeout in milliseconds (0 = no timeout)")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)

	if *debug || os.Getenv("VISOR_DEBUG") == "true" {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	path := configPath(*cfgPath)
	resolved, warnings, err := config.Load(context.Background(), path, loadOptionsFromEnv())
	if err != nil {
		log.Printf("Visor: config load failed: %v", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		log.Printf("Visor: config warning: %s: %s", w.Path, w.Message)
	}

	if *failFast {
		resolved.Engine.FailFast = true
	}
	if *maxParallelism > 0 {
		resolved.Engine.MaxParallelism = *maxParallelism
		resolved.Limits.MaxParallelism = *maxParallelism
	}
	outFormat := *output
	if outFormat == "" {
		outFormat = firstNonEmpty(os.Getenv("VISOR_OUTPUT_FORMAT"), resolved.OutputFormat, "table")
	}

	eventBus := bus.New()
	registry := buildProviderRegistry()
	eng := engine.New(resolved.Engine, registry, eventBus)

	var roots []string
	if *checks != "" {
		roots = splitCSV(*checks)
	} else {
		roots = eng.AllStepNames()
	}

	ctx := context.Background()
	if *timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*timeoutMs)*time.Millisecond)
		defer cancel()
	}

	inv := engine.Invocation{
		Roots:     roots,
		EventType: *eventType,
		TagFilter: engine.TagFilter{Include: splitCSV(*tags), Exclude: splitCSV(*excludeTags)},
		Limits:    resolved.Limits,
	}

	results, err := eng.Run(ctx, inv, nil)
	if err != nil {
		log.Printf("Visor: run failed: %v", err)
		os.Exit(1)
	}

	printResults(results, outFormat)

	if results.State == engine.StateError {
		os.Exit(1)
	}
}

func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to the workflow config")
	fs.Parse(args)

	path := configPath(*cfgPath)
	_, warnings, err := config.Load(context.Background(), path, loadOptionsFromEnv())
	if err != nil {
		fmt.Printf("invalid: %v\n", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		fmt.Printf("warning: %s: %s\n", w.Path, w.Message)
	}
	fmt.Println("config is valid")
}

// scheduleCmd implements the `schedule` subcommand surface: list, create,
// cancel, pause, resume against a running node's Schedule Store.
func scheduleCmd(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: visor schedule {start|list|create|cancel|pause|resume} ...")
		os.Exit(1)
	}
	action := args[0]
	args = args[1:]

	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to the workflow config")
	id := fs.String("id", "", "schedule id")
	at := fs.String("at", "", "cron expression or RFC3339 one-shot time")
	workflow := fs.String("workflow", "", "root step name(s), comma-separated")
	inputsJSON := fs.String("inputs", "{}", "JSON-encoded input payload")
	outputSpec := fs.String("output", "none", "output adapter type[:target]")
	fs.Parse(args)

	path := configPath(*cfgPath)
	resolved, _, err := config.Load(context.Background(), path, loadOptionsFromEnv())
	if err != nil {
		log.Fatalf("Visor: config load failed: %v", err)
	}

	st := buildStore()
	adapters := scheduler.NewAdapterRegistry()
	registry := buildProviderRegistry()
	eventBus := bus.New()
	eng := engine.New(resolved.Engine, registry, eventBus)
	sched := scheduler.New(resolved.Scheduler, eng, st, nil, adapters)

	ctx := context.Background()

	switch action {
	case "start":
		host := frontend.NewHost()
		host.Register(frontend.NewWSFrontend())
		if err := host.Start(ctx, eventBus, eng, resolved.Engine, "scheduler-daemon", nil); err != nil {
			log.Fatalf("Visor: frontend host start failed: %v", err)
		}
		defer host.Stop(ctx)

		httpSrv := startMetricsServer()
		defer httpSrv.Close()

		if err := sched.Start(ctx); err != nil {
			log.Fatalf("Visor: scheduler start failed: %v", err)
		}
		waitForSignal()
		sched.Stop(ctx)
	case "list":
		all, err := st.GetAll(ctx)
		if err != nil {
			log.Fatalf("Visor: list failed: %v", err)
		}
		for _, s := range all {
			fmt.Printf("%s\t%s\t%s\tnext=%s\n", s.ID, s.Status, s.Workflow, s.NextRunAt.Format(time.RFC3339))
		}
	case "create":
		var inputs map[string]any
		if err := json.Unmarshal([]byte(*inputsJSON), &inputs); err != nil {
			log.Fatalf("Visor: invalid --inputs JSON: %v", err)
		}
		sch := &store.Schedule{
			ID:            *id,
			Workflow:      *workflow,
			Inputs:        inputs,
			OutputContext: map[string]any{"type": firstField(*outputSpec)},
		}
		if isCronExpr(*at) {
			sch.Cron = *at
			sch.Timezone = "UTC"
		} else if t, err := time.Parse(time.RFC3339, *at); err == nil {
			sch.RunAt = t
		} else {
			log.Fatalf("Visor: --at must be a cron expression or RFC3339 timestamp")
		}
		if err := sched.Create(ctx, sch); err != nil {
			log.Fatalf("Visor: create failed: %v", err)
		}
		fmt.Printf("created schedule %s\n", sch.ID)
	case "cancel":
		if err := sched.Cancel(ctx, *id); err != nil {
			log.Fatalf("Visor: cancel failed: %v", err)
		}
	case "pause":
		if err := sched.Pause(ctx, *id); err != nil {
			log.Fatalf("Visor: pause failed: %v", err)
		}
	case "resume":
		if err := sched.Resume(ctx, *id); err != nil {
			log.Fatalf("Visor: resume failed: %v", err)
		}
	default:
		fmt.Println("usage: visor schedule {start|list|create|cancel|pause|resume} ...")
		os.Exit(1)
	}
}

// startMetricsServer exposes Prometheus metrics on the port named by
// VISOR_DEBUG_PORT (default 9090), grounded on the teacher's
// promhttp.Handler() registration in main.go.
func startMetricsServer() *http.Server {
	port := os.Getenv("VISOR_DEBUG_PORT")
	if port == "" {
		port = "9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Visor: metrics server error: %v", err)
		}
	}()
	return srv
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func buildStore() store.Store {
	backend := os.Getenv("VISOR_STORE_BACKEND")
	switch backend {
	case "file":
		path := os.Getenv("VISOR_STORE_PATH")
		if path == "" {
			path = ".visor/schedules.json"
		}
		s, err := store.NewFileStore(path)
		if err != nil {
			log.Fatalf("Visor: file store init failed: %v", err)
		}
		return s
	case "sql":
		s, err := store.NewSQLStore(context.Background(), os.Getenv("VISOR_STORE_DSN"))
		if err != nil {
			log.Fatalf("Visor: SQL store init failed: %v", err)
		}
		return s
	case "redis":
		addr := os.Getenv("VISOR_REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		s, err := store.NewRedisStore(context.Background(), client)
		if err != nil {
			log.Fatalf("Visor: redis store init failed: %v", err)
		}
		return s
	default:
		return store.NewMemoryStore()
	}
}

func buildProviderRegistry() *providers.Registry {
	r := providers.NewRegistry()
	r.Register(providers.NoOpProvider{})
	r.Register(providers.LogProvider{})
	r.Register(providers.NewMemoryProvider())
	r.Register(providers.CommandProvider{})
	r.Register(providers.ScriptProvider{})
	r.Register(providers.HTTPProvider{Client: http.DefaultClient})
	return r
}

func printResults(results *engine.GroupedResults, format string) {
	switch format {
	case "json":
		data, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(data))
	default:
		fmt.Printf("run %s: %s\n", results.RunID, results.State)
		for _, r := range results.Results {
			status := "ok"
			if r.Skipped {
				status = "skipped(" + string(r.SkipReason) + ")"
			} else if r.Err != nil {
				status = "failed: " + r.Err.Error()
			}
			fmt.Printf("  %-30s %s\n", r.Step, status)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstField(spec string) string {
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		return spec[:i]
	}
	return spec
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isCronExpr(s string) bool {
	return strings.Count(s, " ") >= 4
}
