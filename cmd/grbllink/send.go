package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mastercactapus/grbllink/dispatch"
)

var sendTimeout time.Duration

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "Per-command timeout (default from config).")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	l := newLink(cfg, logger)
	defer l.Close()
	d := dispatch.New(l, cfg.Dispatch, logger)
	go d.Run(ctx)
	if l.run != nil {
		go l.run(ctx)
	}
	if err := connect(ctx, l, cfg.Health.PingTimeout*5); err != nil {
		return err
	}

	lines := args
	if len(lines) == 0 {
		s := bufio.NewScanner(os.Stdin)
		for s.Scan() {
			if line := strings.TrimSpace(s.Text()); line != "" {
				lines = append(lines, line)
			}
		}
		if err := s.Err(); err != nil {
			return err
		}
	}

	futures := make([]*dispatch.Future, 0, len(lines))
	for _, line := range lines {
		f, err := d.Submit(line, dispatch.Options{Timeout: sendTimeout})
		if err != nil {
			return fmt.Errorf("%s: %w", line, err)
		}
		futures = append(futures, f)
	}

	var failed bool
	out := cmd.OutOrStdout()
	for i, f := range futures {
		resp, err := f.Wait(ctx)
		switch {
		case err != nil:
			failed = true
			fmt.Fprintf(out, "%s\t%s\n", lines[i], err)
		case resp.Err() != nil:
			failed = true
			fmt.Fprintf(out, "%s\t%s\n", lines[i], resp.Err())
		default:
			fmt.Fprintf(out, "%s\t%s\n", lines[i], resp.Raw)
		}
	}
	if failed {
		return fmt.Errorf("some commands failed")
	}
	return nil
}

// connect opens l, or waits for it to come up when it connects on its own.
func connect(ctx context.Context, l *link, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if l.open != nil {
		return l.open(ctx)
	}
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for !l.Connected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect: %w", ctx.Err())
		case <-t.C:
		}
	}
	return nil
}
