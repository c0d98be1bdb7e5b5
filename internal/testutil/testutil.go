package testutil

import (
	"flag"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

func IsLongEnabled() bool {
	return *RunLong
}

// Logger returns a logger that writes through t.Log, or discards output
// when the test is not verbose.
func Logger(t testing.TB) *logrus.Logger {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	if testing.Verbose() {
		l.SetOutput(tbWriter{t})
	} else {
		l.SetOutput(io.Discard)
	}
	return l
}

type tbWriter struct{ t testing.TB }

func (w tbWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
