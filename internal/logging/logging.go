// Package logging provides the leveled log sink used across Flagyard.
//
// Messages at info and above go to the info logfile, everything goes to
// the debug logfile, and console output is enabled when stdout is a
// terminal. Large flag batches are printed in compacted form.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/flagyard/internal/models"
	"golang.org/x/term"
)

// Levels in ascending severity.
const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

var levelNames = []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "FATAL"}

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(s string) int {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return i
		}
	}
	return LevelInfo
}

// Options configures a Logger.
type Options struct {
	InfoFile  string
	DebugFile string
	// ConsoleLevel is the minimum level echoed to stdout. Ignored when
	// stdout is not a terminal unless ForceConsole is set.
	ConsoleLevel int
	ForceConsole bool
}

// Logger is a multi-level sink. The zero value is unusable; use New.
// All methods are safe for concurrent use.
type Logger struct {
	mu           sync.Mutex
	infoFile     *os.File
	debugFile    *os.File
	consoleLevel int
	console      bool
	exit         func(int) // overridable in tests, defaults to os.Exit
}

// New creates a Logger. Logfile paths may be empty to disable the
// corresponding file. File open failures are reported on stderr and the
// file is skipped rather than failing startup.
func New(opts Options) *Logger {
	l := &Logger{
		consoleLevel: opts.ConsoleLevel,
		console:      opts.ForceConsole || term.IsTerminal(int(os.Stdout.Fd())),
		exit:         os.Exit,
	}
	l.infoFile = openLogFile(opts.InfoFile)
	if opts.DebugFile == opts.InfoFile {
		l.debugFile = l.infoFile
	} else {
		l.debugFile = openLogFile(opts.DebugFile)
	}
	return l
}

// Discard returns a logger that writes nowhere, for tests.
func Discard() *Logger {
	return &Logger{consoleLevel: LevelFatal + 1, exit: func(int) {}}
}

func openLogFile(path string) *os.File {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("logging: open %s: %v", path, err)
		return nil
	}
	return f
}

// Close closes the underlying logfiles.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.debugFile != nil && l.debugFile != l.infoFile {
		l.debugFile.Close()
	}
	if l.infoFile != nil {
		l.infoFile.Close()
	}
	l.infoFile, l.debugFile = nil, nil
}

func (l *Logger) Tracef(format string, args ...any)   { l.printf(LevelTrace, format, args...) }
func (l *Logger) Debugf(format string, args ...any)   { l.printf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)    { l.printf(LevelInfo, format, args...) }
func (l *Logger) Warningf(format string, args ...any) { l.printf(LevelWarning, format, args...) }
func (l *Logger) Errorf(format string, args ...any)   { l.printf(LevelError, format, args...) }

// Fatalf logs at fatal level and exits the process.
func (l *Logger) Fatalf(format string, args ...any) {
	l.printf(LevelFatal, format, args...)
	l.exit(1)
}

func (l *Logger) printf(level int, format string, args ...any) {
	msg := fmt.Sprintf("%s [%s] %s\n",
		time.Now().Format("2006.01.02 15:04:05"),
		levelNames[level],
		fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.console && level >= l.consoleLevel {
		os.Stdout.WriteString(msg)
	}
	if l.infoFile != nil && level > LevelDebug {
		if _, err := l.infoFile.WriteString(msg); err != nil {
			log.Printf("logging: append info logfile: %v", err)
		}
	}
	if l.debugFile != nil && (level <= LevelDebug || l.debugFile != l.infoFile) {
		if _, err := l.debugFile.WriteString(msg); err != nil {
			log.Printf("logging: append debug logfile: %v", err)
		}
	}
}

// compactLimit is the batch size above which FlagList elides the middle.
const compactLimit = 50

// FlagList renders a flag batch for logging. Batches up to compactLimit
// are printed wholly, one value per line; larger ones show the first and
// last 15 with an ellipsis between.
func FlagList(flags []*models.Flag) string {
	if len(flags) == 0 {
		return "(none)"
	}
	values := make([]string, len(flags))
	for i, f := range flags {
		values[i] = f.Value
	}
	if len(values) <= compactLimit {
		return "\n" + strings.Join(values, "\n")
	}
	// Center the ellipsis under the values; width can go negative for
	// very short flag formats.
	width := (len(values[0]) - 3) / 2
	if width < 0 {
		width = 0
	}
	pad := strings.Repeat(" ", width)
	return "\n" + strings.Join(values[:15], "\n") +
		"\n" + pad + "..." + "\n" +
		strings.Join(values[len(values)-15:], "\n")
}
