// Package intake implements the submitter-facing TCP line server. Anything
// in the byte stream matching the flag regexp is a submission; the lines
// "stats", "status" and "drop" are administrative commands.
package intake

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/flagyard/internal/logging"
	"github.com/zulandar/flagyard/internal/models"
	"github.com/zulandar/flagyard/internal/output"
	"github.com/zulandar/flagyard/internal/store"
)

// Coordinator is the relay surface the intake server drives.
type Coordinator interface {
	ProcessNewFlags(values []string, sender models.Replier) error
	ChannelStatus() output.Status
	Statistics() (*store.Statistics, error)
	DropAll()
}

// Server accepts submitter connections and feeds the coordinator.
type Server struct {
	coord  Coordinator
	logger *logging.Logger
	re     *regexp.Regexp
	ln     net.Listener

	mu     sync.Mutex
	conns  map[*Client]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen starts the intake server on host:port. The flag regexp decides
// what counts as a submission.
func Listen(host string, port int, re *regexp.Regexp, coord Coordinator, logger *logging.Logger) (*Server, error) {
	if re == nil {
		return nil, fmt.Errorf("intake: flag regexp is required")
	}
	if coord == nil {
		return nil, fmt.Errorf("intake: coordinator is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("intake: listen %s:%d: %w", host, port, err)
	}

	s := &Server{
		coord:  coord,
		logger: logger,
		re:     re,
		ln:     ln,
		conns:  make(map[*Client]struct{}),
	}
	logger.Infof("Start listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Errorf("Intake accept: %v", err)
			}
			return
		}

		client := &Client{id: uuid.NewString()[:8], conn: conn}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[client] = struct{}{}
		s.mu.Unlock()

		s.logger.Debugf("[%s] %s connected to intake socket", client.id, conn.RemoteAddr())
		s.wg.Add(1)
		go s.handle(client)
	}
}

func (s *Server) handle(client *Client) {
	defer s.wg.Done()
	defer func() {
		client.markClosed()
		client.conn.Close()
		s.mu.Lock()
		delete(s.conns, client)
		s.mu.Unlock()
		s.logger.Debugf("[%s] disconnected", client.id)
	}()

	buf := make([]byte, 4096)
	var pending string
	for {
		n, err := client.conn.Read(buf)
		if n > 0 {
			lines := strings.Split(pending+string(buf[:n]), "\n")
			pending = lines[len(lines)-1]
			for _, line := range lines[:len(lines)-1] {
				s.handleLine(client, strings.TrimRight(line, "\r"))
			}
		}
		if err != nil {
			if pending != "" {
				s.handleLine(client, pending)
			}
			return
		}
	}
}

// handleLine extracts submissions and handles administrative commands.
func (s *Server) handleLine(client *Client, line string) {
	if flags := s.re.FindAllString(line, -1); len(flags) > 0 {
		for _, f := range flags {
			s.logger.Infof("Flag from %s: %s", client.conn.RemoteAddr(), f)
		}
		if err := s.coord.ProcessNewFlags(flags, client); err != nil {
			s.logger.Errorf("Error while processing flags: %v", err)
		}
	}

	switch strings.TrimSpace(line) {
	case "stats", "status":
		s.writeStats(client)
	case "drop":
		s.coord.DropAll()
		client.Reply("Dropped all queued flags")
	}
}

func (s *Server) writeStats(client *Client) {
	client.Reply(fmt.Sprintf("Output status: %s", s.coord.ChannelStatus()))
	stats, err := s.coord.Statistics()
	if err != nil {
		s.logger.Errorf("Statistics: %v", err)
		return
	}
	client.Reply("Database statistics:")
	for _, row := range []struct {
		name  string
		value int64
	}{
		{"total", stats.Total},
		{"unsent", stats.Unsent},
		{"sent", stats.Sent},
		{"answered", stats.Answered},
		{"accepted", stats.Accepted},
		{"expired", stats.Expired},
	} {
		client.Reply(fmt.Sprintf("\t%s: %d", row.name, row.value))
	}
}

// Close stops accepting and closes every live connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, c := range conns {
		c.markClosed()
		c.conn.Close()
	}
	s.wg.Wait()
	return err
}

// Client is one submitter connection. It implements models.Replier as a
// weak handle: replies after the connection closed are silently dropped.
type Client struct {
	id   string
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

// Reply writes one line back to the submitter, best effort.
func (c *Client) Reply(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.closed = true
	}
}

// Alive reports whether the connection is still usable.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
