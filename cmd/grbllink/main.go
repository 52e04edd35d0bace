package main

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mastercactapus/grbllink/config"
	"github.com/mastercactapus/grbllink/spjs"
	"github.com/mastercactapus/grbllink/transport"
)

var (
	configPath string
	quiet      bool

	flagPort   string
	flagBaud   int
	flagSPJS   string
	flagTCP    string
	flagListen string

	rootCmd = &cobra.Command{
		Use:   "grbllink",
		Short: "Command dispatch and connection health for GRBL controllers",
		Long: `grbllink owns the link to a GRBL controller: it queues commands, keeps
the controller's receive buffer full without overrunning it, matches every
ok/error reply to its command, and watches the connection, recovering it
when it stops answering.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event stream and metrics endpoint",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	sendCmd = &cobra.Command{
		Use:   "send [line...]",
		Short: "Send lines to the controller and print each reply",
		Long:  "Send lines to the controller in order and print each reply. With no arguments lines are read from stdin.",
		RunE:  runSend,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file.")
	pf.BoolVarP(&quiet, "quiet", "q", false, "Disable logging.")
	pf.StringVar(&flagPort, "port", "", "Port path (or name if using SPJS).")
	pf.IntVar(&flagBaud, "baud", 0, "Baud rate.")
	pf.StringVar(&flagSPJS, "spjs", "", "Websocket URL of the SPJS server to use.")
	pf.StringVar(&flagTCP, "tcp", "", "host:port of a serial-over-TCP bridge.")
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "Address to bind the API server to.")

	rootCmd.AddCommand(serveCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *log.Logger {
	if quiet {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)
}

// loadConfig reads the config file and applies flags set on cmd over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	return config.Load(configPath, func(cfg *config.Config) {
		if flags.Changed("port") {
			cfg.Port = flagPort
		}
		if flags.Changed("baud") {
			cfg.Baud = flagBaud
		}
		if flags.Changed("spjs") {
			cfg.SPJS = flagSPJS
		}
		if flags.Changed("tcp") {
			cfg.TCP = flagTCP
		}
		if flags.Changed("listen") {
			cfg.Listen = flagListen
		}
	})
}

// link is the transport chosen by the config plus what it needs running.
type link struct {
	transport.Transport

	// run, if set, must be running for the transport to work.
	run func(ctx context.Context) error

	// open, if set, connects for the first time.
	open func(ctx context.Context) error
}

func newLink(cfg *config.Config, logger *log.Logger) *link {
	switch {
	case cfg.SPJS != "":
		client := spjs.NewClient(cfg.SPJS, logger)
		t := transport.NewSPJS(client, cfg.Port, cfg.Baud, logger)
		return &link{
			Transport: t,
			run: func(ctx context.Context) error {
				go t.Run(ctx)
				return client.Run(ctx)
			},
		}
	case cfg.TCP != "":
		s := transport.NewTCP(cfg.TCP, logger)
		return &link{Transport: s, open: s.Open}
	default:
		s := transport.NewSerial(cfg.Port, cfg.Baud, logger)
		return &link{Transport: s, open: s.Open}
	}
}
