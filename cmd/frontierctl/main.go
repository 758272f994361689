package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/tracefield/frontier/internal/common"
	"github.com/tracefield/frontier/internal/frontier"
	"github.com/tracefield/frontier/internal/models"
	"github.com/tracefield/frontier/internal/supervisor"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	dataPath     = flag.String("path", "", "Frontier data directory (overrides config)")
	peekCount    = flag.Int("count", 10, "Number of items for the peek command")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: frontierctl [flags] <command>\n\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  stats     Print a JSON census of every frontier region\n")
	fmt.Fprintf(os.Stderr, "  peek      Print the next pending items in pop order (read-only)\n")
	fmt.Fprintf(os.Stderr, "  recover   Run one stall-recovery sweep\n")
	fmt.Fprintf(os.Stderr, "  run       Run the recovery supervisor until interrupted\n")
	fmt.Fprintf(os.Stderr, "  clear     Reset the frontier, including the seen set\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("frontierctl version %s\n", common.GetFullVersion())
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("frontier.toml"); err == nil {
			configFiles = append(configFiles, "frontier.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		common.GetLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if *dataPath != "" {
		config.Storage.Path = *dataPath
	}

	logger := common.SetupLogger(config)
	common.PrintBanner(common.GetVersion())

	queue, err := frontier.Open(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", config.Storage.Path).Msg("Failed to open frontier")
		os.Exit(1)
	}
	defer queue.Close()

	ctx := context.Background()
	switch command {
	case "stats":
		err = printStats(ctx, queue)
	case "peek":
		err = printPeek(ctx, queue, *peekCount)
	case "recover":
		err = runRecover(ctx, queue, config, logger)
	case "run":
		err = runDaemon(queue, config, logger)
	case "clear":
		err = queue.Clear(ctx)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", command).Msg("Command failed")
		os.Exit(1)
	}
}

func printStats(ctx context.Context, queue *frontier.Queue) error {
	stats, err := queue.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func printPeek(ctx context.Context, queue *frontier.Queue, count int) error {
	items, err := queue.Peek(ctx, count)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*models.CrawlItem{}
	}
	return printJSON(items)
}

func runRecover(ctx context.Context, queue *frontier.Queue, config *common.Config, logger arbor.ILogger) error {
	timeout, err := config.Queue.StallTimeoutDuration()
	if err != nil {
		return err
	}
	recovered, err := queue.RecoverStalled(ctx, timeout)
	if err != nil {
		return err
	}
	logger.Info().Int("recovered", recovered).Str("stall_timeout", timeout.String()).Msg("Stall recovery sweep finished")
	return nil
}

func runDaemon(queue *frontier.Queue, config *common.Config, logger arbor.ILogger) error {
	if !config.Supervisor.Enabled {
		return fmt.Errorf("supervisor is disabled in configuration")
	}
	sup, err := supervisor.New(queue, config, logger)
	if err != nil {
		return err
	}
	sup.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	sup.Stop()
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
