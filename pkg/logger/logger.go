package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// MaxEntries bounds the in-memory ring served to Tail.
const MaxEntries = 4096

// Entry is a single line in the central log.
type Entry struct {
	Timestamp time.Time
	Tag       string
	Detail    string
	Repeated  int
}

func (e Entry) String() string {
	if e.Repeated > 0 {
		return fmt.Sprintf("%s: %s (repeat x%d)", e.Tag, e.Detail, e.Repeated+1)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Detail)
}

type central struct {
	mu      sync.Mutex
	entries []Entry
	echo    bool
	file    *os.File
	fileLog *log.Logger
}

var c = &central{echo: true}

func (c *central) log(tag, detail string) {
	tag = strings.ReplaceAll(tag, "\n", "")
	detail = strings.ReplaceAll(detail, "\n", " ")

	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.entries); n > 0 && c.entries[n-1].Tag == tag && c.entries[n-1].Detail == detail {
		c.entries[n-1].Repeated++
		c.entries[n-1].Timestamp = time.Now()
	} else {
		c.entries = append(c.entries, Entry{Timestamp: time.Now(), Tag: tag, Detail: detail})
		if len(c.entries) > MaxEntries {
			c.entries = append(c.entries[:0], c.entries[len(c.entries)-MaxEntries:]...)
		}
	}

	if c.echo {
		log.Printf("%s: %s", tag, detail)
	}
	if c.fileLog != nil {
		c.fileLog.Printf("%s: %s", tag, detail)
	}
}

// Logger writes tagged entries to the central log.
type Logger struct {
	tag string
}

func New(tag string) *Logger {
	return &Logger{tag: tag}
}

func (l *Logger) Tag() string {
	return l.tag
}

func (l *Logger) Printf(format string, args ...any) {
	c.log(l.tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Print(args ...any) {
	c.log(l.tag, fmt.Sprint(args...))
}

// Tracef only writes to the file logger. Used for per-instruction code and
// memory traces, which would swamp the ring.
func (l *Logger) Tracef(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fileLog != nil {
		c.fileLog.Printf("%s: %s", l.tag, fmt.Sprintf(format, args...))
	}
}

// Logf logs to the central log under an explicit tag.
func Logf(tag, format string, args ...any) {
	c.log(tag, fmt.Sprintf(format, args...))
}

// SetEcho controls whether entries are also written to the standard logger.
func SetEcho(echo bool) {
	c.mu.Lock()
	c.echo = echo
	c.mu.Unlock()
}

// InitFileLogger opens (truncating) filename and mirrors every entry and
// trace line into it.
func InitFileLogger(filename string) error {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		c.file.Close()
	}
	c.file = file
	c.fileLog = log.New(file, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func CloseFileLogger() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	c.fileLog = nil
	return err
}

// Tail returns up to n of the most recent entries, oldest first.
func Tail(n int) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.entries) {
		n = len(c.entries)
	}
	if n <= 0 {
		return nil
	}
	out := make([]Entry, n)
	copy(out, c.entries[len(c.entries)-n:])
	return out
}

// Write writes every entry to output, one per line. Returns false if the log
// is empty.
func Write(output io.Writer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return false
	}
	for _, e := range c.entries {
		io.WriteString(output, e.String()+"\n")
	}
	return true
}

func Clear() {
	c.mu.Lock()
	c.entries = c.entries[:0]
	c.mu.Unlock()
}
