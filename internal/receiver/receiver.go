// Package receiver implements a stand-in judge: a TCP server that greets
// on connect and answers every flag line with a verdict. Used by the
// `fy receiver` command for local exercises and by the test suite.
package receiver

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/zulandar/flagyard/internal/logging"
)

// Default verdicts, matching a typical judge's vocabulary.
var (
	DefaultGoodAnswers = []string{"Accepted", "Denied: It is your flag!", "Denied: Too old"}
	AnswerAlreadySent  = "Already sent"
	AnswerNotAFlag     = "Is not a flag"
)

// Options configures a Receiver.
type Options struct {
	Host       string
	Port       int
	FlagRegexp *regexp.Regexp
	Greetings  []string // written on connect, one line each
	Answer     string   // fixed verdict for new flags; empty picks randomly from Answers
	Answers    []string // verdict pool when Answer is empty
	Logfile    string   // optional append-log of "flag verdict" lines
	Logger     *logging.Logger
}

// Receiver is the judge simulator server.
type Receiver struct {
	opts    Options
	ln      net.Listener
	logger  *logging.Logger
	logfile *os.File

	mu       sync.Mutex
	received map[string]string // flag -> verdict
	waiters  []chan struct{}
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// Start listens and begins accepting judge-side connections.
func Start(opts Options) (*Receiver, error) {
	if opts.FlagRegexp == nil {
		opts.FlagRegexp = regexp.MustCompile(`\w{31}=`)
	}
	if len(opts.Answers) == 0 {
		opts.Answers = DefaultGoodAnswers
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("receiver: listen: %w", err)
	}

	r := &Receiver{
		opts:     opts,
		ln:       ln,
		logger:   opts.Logger,
		received: make(map[string]string),
		conns:    make(map[net.Conn]struct{}),
	}
	if opts.Logfile != "" {
		f, err := os.OpenFile(opts.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("receiver: open logfile: %w", err)
		}
		r.logfile = f
	}

	r.logger.Infof("RECEIVER: Start listening on %s", ln.Addr())
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

// Addr returns the bound listen address.
func (r *Receiver) Addr() net.Addr {
	return r.ln.Addr()
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return
		}
		r.conns[conn] = struct{}{}
		r.mu.Unlock()

		r.logger.Debugf("RECEIVER: [%s] connected", conn.RemoteAddr())
		r.wg.Add(1)
		go r.handle(conn)
	}
}

func (r *Receiver) handle(conn net.Conn) {
	defer r.wg.Done()
	defer func() {
		conn.Close()
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
	}()

	for _, g := range r.opts.Greetings {
		if _, err := conn.Write([]byte(g + "\n")); err != nil {
			return
		}
	}

	buf := make([]byte, 4096)
	var pending string
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			lines := strings.Split(pending+string(buf[:n]), "\n")
			pending = lines[len(lines)-1]
			for _, line := range lines[:len(lines)-1] {
				if !r.processLine(strings.TrimRight(line, "\r"), conn) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// processLine answers one input line. An empty line says goodbye and asks
// the handler to close the connection.
func (r *Receiver) processLine(line string, conn net.Conn) bool {
	if line == "" {
		conn.Write([]byte("Goodbye!\n"))
		return false
	}

	if !r.opts.FlagRegexp.MatchString(line) {
		r.answer(line, AnswerNotAFlag, conn)
		return true
	}

	r.mu.Lock()
	if _, seen := r.received[line]; seen {
		r.mu.Unlock()
		r.answer(line, AnswerAlreadySent, conn)
		return true
	}
	verdict := r.opts.Answer
	if verdict == "" {
		verdict = r.opts.Answers[rand.Intn(len(r.opts.Answers))]
	}
	r.received[line] = verdict
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	r.answer(line, verdict, conn)
	if r.logfile != nil {
		fmt.Fprintf(r.logfile, "%s %s\n", line, verdict)
	}
	return true
}

func (r *Receiver) answer(input, verdict string, conn net.Conn) {
	conn.Write([]byte(verdict + "\n"))
	r.logger.Debugf("RECEIVER: [%s] %s - %s", conn.RemoteAddr(), input, verdict)
}

// Count returns how many distinct flags were received.
func (r *Receiver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

// Received returns the verdict recorded for a flag, if any.
func (r *Receiver) Received(flag string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.received[flag]
	return v, ok
}

// WaitForFlags blocks until at least n distinct flags arrived or done is
// closed. Test helper, not part of the relay contract.
func (r *Receiver) WaitForFlags(n int, done <-chan struct{}) bool {
	for {
		r.mu.Lock()
		if len(r.received) >= n {
			r.mu.Unlock()
			return true
		}
		w := make(chan struct{})
		r.waiters = append(r.waiters, w)
		r.mu.Unlock()

		select {
		case <-w:
		case <-done:
			return false
		}
	}
}

// CloseConnections drops every live judge-side connection while keeping
// the listener up. Simulates a judge hiccup in tests.
func (r *Receiver) CloseConnections() {
	r.mu.Lock()
	conns := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the receiver.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	err := r.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	r.wg.Wait()
	if r.logfile != nil {
		r.logfile.Close()
	}
	return err
}
