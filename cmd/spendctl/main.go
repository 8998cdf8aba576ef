// Command spendctl triggers maintenance jobs, inspects queues and parses
// statements offline.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spendlens/spendlens/cmd/spendctl/cli"
	"github.com/spendlens/spendlens/internal/app"
	"github.com/spendlens/spendlens/internal/platform/cache"
)

const usage = `usage: spendctl <command> [flags]

commands:
  retrain          enqueue a retrain check
  sweep            enqueue a stale transaction sweep
  queue            print analysis queue statistics
  parse FILE       parse a statement file and print its transactions
  train FILE       fit the classifier from a labelled CSV or JSON seed file
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet("spendctl "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print JSON output")

	switch cmd {
	case "parse":
		bank := fs.String("bank", "", "statement layout code")
		owner := fs.String("user", "", "owner user id stamped on parsed transactions")
		maxBytes := fs.Int64("max-bytes", 10<<20, "maximum statement size")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return cli.ParseCommand(cli.ParseOptions{
			Path:       fs.Arg(0),
			Bank:       *bank,
			Owner:      *owner,
			JSONOutput: *jsonOut,
			MaxBytes:   *maxBytes,
			Stdout:     stdout,
			Stderr:     stderr,
		})
	case "train":
		maxBytes := fs.Int64("max-bytes", 50<<20, "maximum seed file size")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		cfg, err := app.LoadConfig()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
			return 1
		}
		redisClient, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "connect redis: %v\n", err)
			return 1
		}
		defer redisClient.Close()
		cls, err := app.NewClassifier(ctx, app.PipelineDeps{Config: cfg, Redis: redisClient})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "classifier: %v\n", err)
			return 1
		}
		return cli.TrainCommand(ctx, cls, cli.TrainOptions{
			Path:       fs.Arg(0),
			JSONOutput: *jsonOut,
			MaxBytes:   *maxBytes,
			Stdout:     stdout,
			Stderr:     stderr,
		})
	case "retrain", "sweep", "queue":
		limit := fs.Int("limit", 0, "maximum transactions per sweep")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		cfg, err := app.LoadConfig()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
			return 1
		}
		jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
		defer jobsCLI.Close()
		if cmd == "queue" {
			return jobsCLI.QueueCommand(ctx, *jsonOut, stdout, stderr)
		}
		if cmd == "sweep" && *limit <= 0 {
			*limit = cfg.SweepBatch
		}
		return jobsCLI.TriggerCommand(ctx, cli.TriggerOptions{
			Job:        cmd,
			Limit:      *limit,
			JSONOutput: *jsonOut,
			Stdout:     stdout,
			Stderr:     stderr,
		})
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}
