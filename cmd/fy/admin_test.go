package main

import (
	"bytes"
	"net"
	"strings"
	"testing"
)

// startFakeRelay answers the first command line on each connection with the
// given reply lines and closes, like the intake socket does for admins.
func startFakeRelay(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 256)
				if _, err := conn.Read(buf); err != nil {
					return
				}
				conn.Write([]byte(reply))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestStatsCmd(t *testing.T) {
	addr := startFakeRelay(t, "Output status: READY\nDatabase statistics:\n\ttotal: 3\n")

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"stats", "--addr", addr})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("stats command failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Output status: READY") || !strings.Contains(out, "total: 3") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestDropCmd(t *testing.T) {
	addr := startFakeRelay(t, "Dropped all queued flags\n")

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"drop", "--addr", addr})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("drop command failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Dropped all queued flags") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestAdminNoRelay(t *testing.T) {
	// Nothing listening here.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"stats", "--addr", addr})

	if err := cmd.Execute(); err == nil {
		t.Error("expected error with no relay running")
	}
}
