package serialmux

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/locus/internal/timeutil"
)

var errPortClosed = errors.New("serial port closed")

// ReplayPort is a SerialPorter that plays back recorded sentences, one per
// tick, for running without a receiver attached. Writes are recorded.
type ReplayPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	stop    chan struct{}
	once    sync.Once
}

// NewReplayPort starts replaying lines every interval on clock. With loop
// set the fixture repeats until Close; otherwise the port reports EOF after
// the last line.
func NewReplayPort(clock timeutil.Clock, lines []string, interval time.Duration, loop bool) *ReplayPort {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r, w := io.Pipe()
	p := &ReplayPort{r: r, w: w, stop: make(chan struct{})}

	ticker := clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer w.Close()
		for i := 0; ; i++ {
			if i == len(lines) {
				if !loop || len(lines) == 0 {
					return
				}
				i = 0
			}
			select {
			case <-p.stop:
				return
			case <-ticker.C():
			}
			if _, err := io.WriteString(w, lines[i]+"\r\n"); err != nil {
				return
			}
		}
	}()
	return p
}

func (p *ReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *ReplayPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.stop:
		return 0, errPortClosed
	default:
	}
	return p.written.Write(b)
}

func (p *ReplayPort) Close() error {
	p.once.Do(func() {
		close(p.stop)
		p.r.Close()
	})
	return nil
}

// Written returns everything written to the port.
func (p *ReplayPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// LoadFixture reads sentences from a capture file, skipping blank lines and
// lines starting with '#'.
func LoadFixture(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	return ReadFixture(f)
}

// ReadFixture is LoadFixture over an arbitrary reader.
func ReadFixture(r io.Reader) ([]string, error) {
	var lines []string
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return lines, nil
}

// ReplayOpener returns a SerialPortOpener that ignores its arguments and
// replays lines.
func ReplayOpener(clock timeutil.Clock, lines []string, interval time.Duration) SerialPortOpener {
	return func(string, PortOptions) (SerialPorter, error) {
		return NewReplayPort(clock, lines, interval, true), nil
	}
}

// TestableSerialPort is a SerialPorter with scriptable reads and injectable
// failures.
type TestableSerialPort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer
	WriteError  error
	CloseError  error
	Closed      bool

	readCond *sync.Cond
}

func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read blocks until data is added or the port is closed.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, io.EOF
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	return t.WriteBuffer.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData queues data for subsequent reads.
func (t *TestableSerialPort) AddReadData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.WriteString(data)
	t.readCond.Broadcast()
}

// Written returns all data written to the port.
func (t *TestableSerialPort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.WriteBuffer.String()
}
