package main

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newGenCmd() *cobra.Command {
	var (
		addr  string
		count int
		delay int
	)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate and submit synthetic flags",
		Long:  "Connects to the intake socket and submits sequential synthetic flags in small random batches. Load-testing helper.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGen(cmd, addr, count, delay)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:2222", "intake address")
	cmd.Flags().IntVar(&count, "count", 100, "number of flags to submit")
	cmd.Flags().IntVar(&delay, "delay", 100, "max delay between batches in ms")
	return cmd
}

func runGen(cmd *cobra.Command, addr string, count, delay int) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connected to %s\n", addr)

	sent := 0
	for sent < count {
		n := 1 + rand.Intn(10)
		if sent+n > count {
			n = count - sent
		}
		batch := make([]string, n)
		for i := 0; i < n; i++ {
			batch[i] = syntheticFlag(sent + i + 1)
		}
		if _, err := conn.Write([]byte(strings.Join(batch, "\n") + "\n")); err != nil {
			return fmt.Errorf("write after %d flags: %w", sent, err)
		}
		sent += n
		fmt.Fprintf(out, "Sent %d flags (%d total)\n", n, sent)

		if delay > 0 {
			time.Sleep(time.Duration(rand.Intn(delay)) * time.Millisecond)
		}
	}
	return nil
}

// syntheticFlag renders i as a zero-padded 31-char token plus '='.
func syntheticFlag(i int) string {
	s := fmt.Sprintf("%d", i)
	return strings.Repeat("0", 31-len(s)) + s + "="
}
