package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"

	"github.com/chronologos/gotftp/internal/client"
	"github.com/chronologos/gotftp/internal/config"
	"github.com/chronologos/gotftp/internal/datasource"
	"github.com/chronologos/gotftp/internal/history"
	"github.com/chronologos/gotftp/internal/protocol"
	"github.com/chronologos/gotftp/internal/retransmit"
	"github.com/chronologos/gotftp/internal/server"
	"github.com/chronologos/gotftp/internal/session"
)

// loadConfig reads the config file and applies flags the user set
// explicitly on the command line.
func loadConfig(c *cli.Context, gf globalFlags, sf serveFlags) (config.Config, error) {
	cfg, err := config.Load(gf.configFile)
	if err != nil {
		return cfg, err
	}
	if gf.logLevel != "" {
		cfg.LogLevel = gf.logLevel
	}
	if c.IsSet("address") {
		cfg.Address = sf.address
	}
	if c.IsSet("port") {
		cfg.Port = sf.port
	}
	if c.IsSet("root") {
		cfg.Root = sf.root
	}
	if c.IsSet("timeout") {
		d, err := time.ParseDuration(sf.timeout)
		if err != nil {
			return cfg, fmt.Errorf("--timeout: %w", err)
		}
		cfg.Timeout.Duration = d
	}
	if c.IsSet("max-retries") {
		cfg.MaxRetries = sf.maxRetries
	}
	if sf.readOnly {
		cfg.AllowWrite = false
	}
	if c.IsSet("history") {
		cfg.History = sf.history
	}
	if err := cfg.ExpandPaths(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func runServe(c *cli.Context, gf globalFlags, sf serveFlags) error {
	cfg, err := loadConfig(c, gf, sf)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	src, err := datasource.NewDir(cfg.Root, cfg.AllowWrite)
	if err != nil {
		return err
	}

	var onTransfer func(session.Summary)
	if cfg.History != "" {
		store, err := history.Open(cfg.History)
		if err != nil {
			return err
		}
		defer store.Close()
		histLog := logger.With("component", "history")
		onTransfer = func(sum session.Summary) {
			if err := store.Record(history.FromSummary(sum)); err != nil {
				histLog.Warn("record transfer", "transfer", sum.ID, "err", err)
			}
		}
	}

	srv := server.New(server.Config{
		Addr:         cfg.Addr(),
		Policy:       cfg.Policy(),
		TickInterval: cfg.TickInterval.Duration,
		Log:          logger,
		OnTransfer:   onTransfer,
	}, src)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Print the banner once the socket is bound.
	go func() {
		select {
		case <-srv.Ready:
			mode := "read-write"
			if !cfg.AllowWrite {
				mode = "read-only"
			}
			fmt.Println(color.BrightGreen(fmt.Sprintf("::: serving %s (%s) on %s :::", src.Root(), mode, srv.Addr)))
		case <-ctx.Done():
		}
	}()

	err = srv.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}

// newClient builds a client from the transfer flags.
func newClient(gf globalFlags, tf transferFlags) (*client.Client, error) {
	mode, err := protocol.ParseMode(tf.mode)
	if err != nil || mode == protocol.ModeMail {
		return nil, fmt.Errorf("--mode must be octet or netascii, got %q", tf.mode)
	}
	policy, err := clientPolicy(tf)
	if err != nil {
		return nil, err
	}
	level := gf.logLevel
	if level == "" {
		level = "warn"
	}
	logger, err := newLogger(level)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{
		Server: tf.server,
		Mode:   mode,
		Policy: policy,
		Log:    logger,
	})
}

// clientPolicy reads the retry flags with the same meaning the server's
// config gives them: max-retries 0 disables retransmission.
func clientPolicy(tf transferFlags) (retransmit.Policy, error) {
	cfg := config.Default()
	cfg.MaxRetries = tf.maxRetries
	if tf.timeout != "" {
		d, err := time.ParseDuration(tf.timeout)
		if err != nil {
			return retransmit.Policy{}, fmt.Errorf("--timeout: %w", err)
		}
		cfg.Timeout.Duration = d
	}
	if cfg.Timeout.Duration <= 0 {
		return retransmit.Policy{}, fmt.Errorf("--timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.MaxRetries < 0 {
		return retransmit.Policy{}, fmt.Errorf("--max-retries must not be negative, got %d", cfg.MaxRetries)
	}
	return cfg.Policy(), nil
}

func runGet(c *cli.Context, gf globalFlags, tf transferFlags) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		cli.ShowCommandHelp(c, "get")
		return errors.New("expected <remote> [local|-]")
	}
	remote := c.Args().Get(0)
	local := filepath.Base(remote)
	if c.NArg() == 2 {
		local = c.Args().Get(1)
	}

	cl, err := newClient(gf, tf)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	var f *os.File
	if local != "-" {
		if local, err = homedir.Expand(local); err != nil {
			return err
		}
		if f, err = os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644); err != nil {
			return err
		}
		w = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := cl.Get(ctx, remote, w)
	if f != nil {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(local)
		}
	}
	if err != nil {
		return err
	}
	report("received", remote, res)
	return nil
}

func runPut(c *cli.Context, gf globalFlags, tf transferFlags) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		cli.ShowCommandHelp(c, "put")
		return errors.New("expected <local|-> [remote]")
	}
	local := c.Args().Get(0)
	remote := filepath.Base(local)
	if c.NArg() == 2 {
		remote = c.Args().Get(1)
	} else if local == "-" {
		return errors.New("a remote name is required when reading stdin")
	}

	cl, err := newClient(gf, tf)
	if err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if local != "-" {
		if local, err = homedir.Expand(local); err != nil {
			return err
		}
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := cl.Put(ctx, remote, r)
	if err != nil {
		return err
	}
	report("sent", remote, res)
	return nil
}

// report prints a one-line transfer summary to stderr so stdout stays
// clean for "get file -".
func report(verb, name string, res client.Result) {
	fmt.Fprintf(os.Stderr, "%s %s: %d bytes in %d blocks, %s (%d retransmits)\n",
		color.Green(verb), name, res.Bytes, res.Blocks, res.Elapsed.Round(time.Millisecond), res.Retransmits)
}

func runHistory(c *cli.Context, gf globalFlags, hf historyFlags) error {
	path := hf.path
	if path == "" {
		cfg, err := config.Load(gf.configFile)
		if err != nil {
			return err
		}
		path = cfg.History
	}
	if path == "" {
		return errors.New("no history database configured (set history in the config or pass --history)")
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return err
	}

	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(hf.limit)
	if err != nil {
		return err
	}
	return printHistory(os.Stdout, records)
}

func printHistory(out io.Writer, records []history.Record) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tPEER\tDIR\tMODE\tFILE\tBYTES\tRETRIES\tSTATE")
	for _, r := range records {
		state := color.Green(r.State).String()
		if r.State != session.Completed.String() {
			state = color.Red(r.State + ": " + r.Error).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.Finished.Local().Format(time.DateTime), r.Peer, r.Direction, r.Mode,
			r.Filename, r.Bytes, r.Retransmits, state)
	}
	return tw.Flush()
}
