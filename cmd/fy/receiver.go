package main

import (
	"fmt"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/flagyard/internal/logging"
	"github.com/zulandar/flagyard/internal/receiver"
)

func newReceiverCmd() *cobra.Command {
	var (
		host      string
		port      int
		answer    string
		logfile   string
		flagRe    string
		greetings []string
	)

	cmd := &cobra.Command{
		Use:   "receiver",
		Short: "Run a stand-in judge for local exercises",
		Long:  "Listens like the judging service: optional greeting lines on connect, then one verdict line per flag line. Verdicts are random unless --answer pins one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			re, err := regexp.Compile(flagRe)
			if err != nil {
				return fmt.Errorf("invalid flag regexp: %w", err)
			}

			logger := logging.New(logging.Options{
				ConsoleLevel: logging.LevelDebug,
				ForceConsole: true,
			})
			defer logger.Close()

			r, err := receiver.Start(receiver.Options{
				Host:       host,
				Port:       port,
				FlagRegexp: re,
				Greetings:  greetings,
				Answer:     answer,
				Logfile:    logfile,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			defer r.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	cmd.Flags().IntVar(&port, "port", 6666, "listen port")
	cmd.Flags().StringVar(&answer, "answer", "", "fixed verdict for new flags (default: random)")
	cmd.Flags().StringVar(&logfile, "logfile", "", "append received flags and verdicts to this file")
	cmd.Flags().StringVar(&flagRe, "regexp", `\w{31}=`, "flag recognition regexp")
	cmd.Flags().StringArrayVar(&greetings, "greeting", nil, "greeting line sent on connect (repeatable)")
	return cmd
}
