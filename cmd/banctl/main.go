// Command banctl inspects and edits moderation state shared by the pairchat
// servers: address bans, report counters, the report audit trail and live
// connections.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/report"
	"github.com/whisper/pairchat/internal/store"
)

const usage = `usage: banctl [-config file] <command> [args]

commands:
  ban [-duration d] [-reason r] <addr>   ban an address
  unban <addr>                           lift a ban
  status <addr>                          show whether an address is banned
  reports <client-id>                    show a client's report count
  reset <client-id>                      clear a client's report count
  audit [-limit n] [-addr a -window d]    list recent reports, or count those
                                         against one address (needs database.url)
  kick [-reason r] <client-id>           disconnect a client (needs nats.url)
`

// backends opens the services a command needs, lazily.
type backends struct {
	cfg *config.Config

	store   func() (store.Store, error)
	bus     func() (kicker, error)
	reports func() (auditReader, error)
}

type kicker interface {
	Kick(clientID, reason string) error
}

type auditReader interface {
	Recent(ctx context.Context, limit int) ([]report.Report, error)
	CountRecent(ctx context.Context, targetAddr string, window time.Duration) (int, error)
}

func main() {
	configPath := flag.String("config", "", "path to an INI config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	if err := cfg.ApplyLogging(); err != nil {
		logrus.WithError(err).Fatal("invalid log settings")
	}

	b := &backends{cfg: cfg}
	b.store = func() (store.Store, error) {
		if cfg.Redis.Addr == "" {
			return nil, errors.New("redis.addr is not set")
		}
		return store.NewRedis(store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	b.bus = func() (kicker, error) {
		if cfg.NATS.URL == "" {
			return nil, errors.New("nats.url is not set")
		}
		natsCfg := messaging.DefaultConfig(cfg.NATS.URL)
		natsCfg.Name = "banctl"
		natsCfg.MaxReconnects = 0
		bus, err := messaging.Connect(natsCfg)
		if err != nil {
			return nil, err
		}
		return flushingBus{bus}, nil
	}
	b.reports = func() (auditReader, error) {
		if cfg.Database.URL == "" {
			return nil, errors.New("database.url is not set")
		}
		return report.Open(context.Background(), cfg.Database.URL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := run(ctx, flag.Args(), b, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "banctl:", err)
		os.Exit(1)
	}
}

// flushingBus makes sure a kick has left the process before it exits.
type flushingBus struct{ *messaging.Bus }

func (f flushingBus) Kick(clientID, reason string) error {
	defer f.Bus.Close()
	if err := f.Bus.Kick(clientID, reason); err != nil {
		return err
	}
	return f.Bus.Flush()
}

func run(ctx context.Context, args []string, b *backends, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing command\n" + usage)
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "ban", "unban", "status", "reports", "reset":
		kv, err := b.store()
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		defer kv.Close()
		bans := ban.NewStore(kv, b.cfg.Moderation.ReportTTL)
		return runBanCommand(ctx, cmd, args, bans, b.cfg.Moderation.BanDuration(), out)

	case "audit":
		fs := flag.NewFlagSet("audit", flag.ContinueOnError)
		limit := fs.Int("limit", 20, "number of reports to list")
		addr := fs.String("addr", "", "count reports against this address instead of listing")
		window := fs.Duration("window", 24*time.Hour, "lookback for -addr")
		if err := fs.Parse(args); err != nil {
			return err
		}
		reports, err := b.reports()
		if err != nil {
			return fmt.Errorf("reports: %w", err)
		}
		if c, ok := reports.(io.Closer); ok {
			defer c.Close()
		}
		if *addr != "" {
			n, err := reports.CountRecent(ctx, *addr, *window)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d report(s) in the last %s\n", *addr, n, *window)
			return nil
		}
		list, err := reports.Recent(ctx, *limit)
		if err != nil {
			return err
		}
		printReports(out, list)
		return nil

	case "kick":
		fs := flag.NewFlagSet("kick", flag.ContinueOnError)
		reason := fs.String("reason", "kicked by operator", "close reason sent to the client")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("kick needs exactly one client id")
		}
		bus, err := b.bus()
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		if err := bus.Kick(fs.Arg(0), *reason); err != nil {
			return err
		}
		fmt.Fprintf(out, "kick sent to %s\n", fs.Arg(0))
		return nil
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

func runBanCommand(ctx context.Context, cmd string, args []string, bans *ban.Store, defaultDuration time.Duration, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	duration := fs.Duration("duration", defaultDuration, "ban length")
	reason := fs.String("reason", "manual", "ban reason shown to the client")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%s needs exactly one argument", cmd)
	}
	target := fs.Arg(0)

	switch cmd {
	case "ban":
		if err := bans.Ban(ctx, target, *duration, *reason); err != nil {
			return err
		}
		fmt.Fprintf(out, "banned %s for %s (%s)\n", target, *duration, *reason)
	case "unban":
		if err := bans.Unban(ctx, target); err != nil {
			return err
		}
		fmt.Fprintf(out, "unbanned %s\n", target)
	case "status":
		banned, remaining, why, err := bans.IsBanned(ctx, target)
		if err != nil {
			return err
		}
		if !banned {
			fmt.Fprintf(out, "%s is not banned\n", target)
			return nil
		}
		fmt.Fprintf(out, "%s is banned for another %s (%s)\n", target, time.Duration(remaining)*time.Second, why)
	case "reports":
		n, err := bans.ReportCount(ctx, target)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s has %d report(s)\n", target, n)
	case "reset":
		if err := bans.ResetReports(ctx, target); err != nil {
			return err
		}
		fmt.Fprintf(out, "cleared reports for %s\n", target)
	}
	return nil
}

func printReports(out io.Writer, list []report.Report) {
	if len(list) == 0 {
		fmt.Fprintln(out, "no reports")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tREPORTER\tTARGET\tADDR\tCOUNT\tBANNED")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%v\n",
			r.CreatedAt.Format(time.RFC3339), r.ReporterID, r.TargetID, r.TargetAddr, r.Count, r.Banned)
	}
	tw.Flush()
}
