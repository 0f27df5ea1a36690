package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"meow.tf/websubsub"
	"meow.tf/websubsub/config"
	"meow.tf/websubsub/logger"
)

const usage = `usage: websubsub <command> [flags]

commands:
  serve               run the callback server, admin API and periodic triggers
  reconcile           materialize static subscriptions from the static file
  reset-counters      zero retry counters of every subscription
  purge-unresolvable  delete subscriptions whose callback no longer resolves
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Mode)

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, os.Args[1], os.Args[2:]); err != nil {
		log.Error("Command failed", zap.String("command", os.Args[1]), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.App, log *zap.Logger, command string, args []string) error {
	a, err := newApp(ctx, cfg, log)

	if err != nil {
		return err
	}

	defer a.Close()

	switch command {
	case "serve":
		return a.serve(ctx)
	case "reconcile":
		return a.reconcile(ctx, args)
	case "reset-counters":
		n, err := a.subscriber.ResetCounters(ctx)

		if err != nil {
			return err
		}

		log.Info("Reset retry counters", zap.Int("subscriptions", n))

		return nil
	case "purge-unresolvable":
		purged, err := a.subscriber.PurgeUnresolvable(ctx)

		if err != nil {
			return err
		}

		log.Info("Purged unresolvable subscriptions", zap.Strings("subscriptions", purged))

		return nil
	}

	fmt.Fprint(os.Stderr, usage)

	return fmt.Errorf("unknown command %q", command)
}

func (a *app) reconcile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)

	var opts websubsub.ReconcileOptions

	fs.BoolVar(&opts.ResetCounters, "reset-counters", false, "reset retry counters")
	fs.BoolVar(&opts.Force, "force", false, "resubscribe even if verified or explicitly unsubscribed")
	fs.BoolVar(&opts.PurgeOrphans, "purge-orphans", false, "delete static subscriptions no longer in the static file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(a.static.Subscriptions) == 0 {
		a.logger.Warn("No static subscriptions configured")
	}

	report, err := a.subscriber.Reconcile(ctx, a.static.Subscriptions, opts)

	if err != nil {
		return err
	}

	a.logger.Info("Static subscriptions reconciled",
		zap.Strings("created", report.Created),
		zap.Strings("scheduled", report.Scheduled),
		zap.Strings("skipped", report.Skipped),
		zap.Strings("unresolvable", report.Unresolvable),
		zap.Strings("purged", report.Purged))

	return nil
}
