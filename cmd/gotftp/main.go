package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/logrusorgru/aurora"
	"github.com/urfave/cli"
	"golang.org/x/term"

	"github.com/chronologos/gotftp/internal/config"
	"github.com/chronologos/gotftp/internal/retransmit"
	"github.com/chronologos/gotftp/internal/version"
)

// globalFlags holds flags shared by every command.
type globalFlags struct {
	configFile string
	logLevel   string
}

// serveFlags are the serve command's overrides of the config file.
type serveFlags struct {
	address    string
	port       int
	root       string
	timeout    string
	maxRetries int
	readOnly   bool
	history    string
}

// transferFlags configure get and put.
type transferFlags struct {
	server     string
	mode       string
	timeout    string
	maxRetries int
}

// historyFlags configure the history command.
type historyFlags struct {
	path  string
	limit int
}

var color = aurora.NewAurora(term.IsTerminal(int(os.Stdout.Fd())))

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.Red("error:"), err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	var (
		gf globalFlags
		sf serveFlags
		tf transferFlags
		hf historyFlags
	)

	app := cli.NewApp()
	app.Name = "gotftp"
	app.HelpName = "gotftp"
	app.Usage = "TFTP (RFC 1350) server and client"
	app.Version = version.VERSION
	app.HideVersion = true

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "config, c",
			Value:       "",
			Usage:       "TOML config file",
			Destination: &gf.configFile,
		},
		cli.StringFlag{
			Name:        "log-level",
			Value:       "",
			Usage:       "log level (debug|info|warn|error)",
			Destination: &gf.logLevel,
		},
	}

	clientFlags := []cli.Flag{
		cli.StringFlag{
			Name:        "server, s",
			Value:       "127.0.0.1:69",
			Usage:       "server address (host:port)",
			Destination: &tf.server,
		},
		cli.StringFlag{
			Name:        "mode, m",
			Value:       "octet",
			Usage:       "transfer mode (octet|netascii)",
			Destination: &tf.mode,
		},
		cli.StringFlag{
			Name:        "timeout",
			Value:       "",
			Usage:       "retransmission timeout, e.g. 500ms",
			Destination: &tf.timeout,
		},
		cli.IntFlag{
			Name:        "max-retries",
			Value:       retransmit.DefaultMaxRetries,
			Usage:       "retransmissions before giving up (0 disables)",
			Destination: &tf.maxRetries,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:      "serve",
			Usage:     "serve a directory over TFTP",
			ArgsUsage: " ",
			Action: func(c *cli.Context) error {
				return runServe(c, gf, sf)
			},
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "address, a",
					Usage:       "bind address",
					Destination: &sf.address,
				},
				cli.IntFlag{
					Name:        "port, p",
					Usage:       "UDP port",
					Destination: &sf.port,
				},
				cli.StringFlag{
					Name:        "root, r",
					Usage:       "directory to serve",
					Destination: &sf.root,
				},
				cli.StringFlag{
					Name:        "timeout",
					Usage:       "retransmission timeout, e.g. 1s",
					Destination: &sf.timeout,
				},
				cli.IntFlag{
					Name:        "max-retries",
					Usage:       "retransmissions before a transfer fails (0 disables)",
					Destination: &sf.maxRetries,
				},
				cli.BoolFlag{
					Name:        "read-only",
					Usage:       "refuse write requests",
					Destination: &sf.readOnly,
				},
				cli.StringFlag{
					Name:        "history",
					Usage:       "bolt database recording finished transfers",
					Destination: &sf.history,
				},
			},
		},
		{
			Name:      "get",
			Usage:     "download a file",
			ArgsUsage: "<remote> [local|-]",
			Action: func(c *cli.Context) error {
				return runGet(c, gf, tf)
			},
			Flags: clientFlags,
		},
		{
			Name:      "put",
			Usage:     "upload a file",
			ArgsUsage: "<local|-> [remote]",
			Action: func(c *cli.Context) error {
				return runPut(c, gf, tf)
			},
			Flags: clientFlags,
		},
		{
			Name:  "history",
			Usage: "list recent transfers",
			Action: func(c *cli.Context) error {
				return runHistory(c, gf, hf)
			},
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "history",
					Usage:       "bolt database to read (defaults to the config's)",
					Destination: &hf.path,
				},
				cli.IntFlag{
					Name:        "limit, n",
					Value:       20,
					Usage:       "number of records (0 for all)",
					Destination: &hf.limit,
				},
			},
		},
		{
			Name:  "version",
			Usage: "print version and exit",
			Action: func(c *cli.Context) error {
				fmt.Printf("gotftp %s (%s)\n", version.VERSION, version.Commit)
				return nil
			},
		},
	}
	return app
}

// newLogger writes text logs to stderr at the configured level.
func newLogger(level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
