package main

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// adminReadWindow is how long the admin commands wait for the relay's
// reply lines before giving up on more output.
const adminReadWindow = 2 * time.Second

func newStatsCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show channel status and store statistics of a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, addr, "stats")
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:2222", "intake address of the relay")
	return cmd
}

func newDropCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Expire everything currently queued or in flight",
		Long:  "Tells a running relay to abandon every flag in the waiting, inflight and awaiting-answer sets. They are marked expired; new submissions flow normally afterwards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, addr, "drop")
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:2222", "intake address of the relay")
	return cmd
}

// runAdmin sends one admin command over the intake protocol and prints
// whatever the relay echoes back within the read window.
func runAdmin(cmd *cobra.Command, addr, command string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("send %q: %w", command, err)
	}

	conn.SetReadDeadline(time.Now().Add(adminReadWindow))
	var reply strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		reply.Write(buf[:n])
		if err != nil {
			break
		}
	}

	text := strings.TrimRight(reply.String(), "\n")
	if text == "" {
		return fmt.Errorf("no reply from %s", addr)
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}
