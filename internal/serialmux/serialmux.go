// Package serialmux fans lines read from one serial device out to any number
// of subscribers and serialises commands written back to it.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// subscriberBuffer is how many lines a slow subscriber may lag before lines
// are dropped for it.
const subscriberBuffer = 16

// SerialMux multiplexes a single serial port between subscribers.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	lines   atomic.Int64
	dropped atomic.Int64
}

// SerialMuxInterface is what consumers of a line-oriented serial device use.
type SerialMuxInterface interface {
	// Subscribe creates a channel receiving every line read from the port.
	// The returned ID identifies the channel for Unsubscribe.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one line to the port.
	SendCommand(string) error
	// Monitor reads lines until ctx is done or the port reaches EOF.
	Monitor(context.Context) error
	// Close closes every subscriber channel and the port.
	Close() error
	// AttachAdminRoutes mounts the /debug/ tail and command endpoints.
	AttachAdminRoutes(*http.ServeMux)
}

func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SubscriberCount reports how many channels are currently subscribed.
func (s *SerialMux[T]) SubscriberCount() int {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return len(s.subscribers)
}

// SendCommand writes command terminated with CRLF, as NMEA receivers expect.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	command = strings.TrimRight(command, "\r\n") + "\r\n"
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the port and delivers each to every subscriber.
// A subscriber whose buffer is full misses the line rather than stalling the
// reader.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so the loop below can still
	// observe cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- strings.TrimRight(scan.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.lines.Add(1)
			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					s.dropped.Add(1)
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Stats returns the number of lines read and the number of per-subscriber
// deliveries dropped because a buffer was full.
func (s *SerialMux[T]) Stats() (lines, dropped int64) {
	return s.lines.Load(), s.dropped.Load()
}

// sentenceType returns the formatter of an NMEA line ("RMC" for
// "$GPRMC,..."), or "" if line is not shaped like a sentence.
func sentenceType(line string) string {
	if len(line) < 6 || (line[0] != '$' && line[0] != '!') {
		return ""
	}
	return line[3:6]
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("gnss-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	debug.HandleSilentFunc("gnss-stats", func(w http.ResponseWriter, r *http.Request) {
		lines, dropped := s.Stats()
		fmt.Fprintf(w, "lines=%d dropped=%d subscribers=%d\n", lines, dropped, s.SubscriberCount())
	})

	// Server-sent events carrying raw sentences as they arrive. ?type=RMC
	// (repeatable) restricts the stream to those sentence types.
	debug.HandleFunc("gnss-tail", "live NMEA sentences", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		var only map[string]bool
		if types := r.URL.Query()["type"]; len(types) > 0 {
			only = make(map[string]bool, len(types))
			for _, t := range types {
				only[strings.ToUpper(t)] = true
			}
		}

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if only != nil && !only[sentenceType(line)] {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
