package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/locus/internal/timeutil"
)

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		require.True(t, ok, "channel closed")
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()
	assert.NotEqual(t, id1, id2)

	mux.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel should be closed")

	// Unknown IDs are ignored.
	mux.Unsubscribe("nope")

	mux.subscriberMu.Lock()
	assert.Len(t, mux.subscribers, 1)
	mux.subscriberMu.Unlock()
}

func TestSerialMux_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("$PMTK220,1000*1F"))
	require.NoError(t, mux.SendCommand("$PMTK314,0*28\r\n"))
	assert.Equal(t, "$PMTK220,1000*1F\r\n$PMTK314,0*28\r\n", port.Written())

	port.WriteError = errors.New("boom")
	assert.Error(t, mux.SendCommand("x"))
}

func TestSerialMux_MonitorFansOut(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData("$GPGGA,first\r\n$GPRMC,second\n")
	assert.Equal(t, "$GPGGA,first", recv(t, a))
	assert.Equal(t, "$GPRMC,second", recv(t, a))
	assert.Equal(t, "$GPGGA,first", recv(t, b))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestSerialMux_StatsCountsDrops(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, slow := mux.Subscribe()

	for i := 0; i < subscriberBuffer+4; i++ {
		port.AddReadData("$GPGSA,x\n")
	}
	port.Close()
	require.NoError(t, mux.Monitor(context.Background()))

	lines, dropped := mux.Stats()
	assert.EqualValues(t, subscriberBuffer+4, lines)
	assert.EqualValues(t, 4, dropped)
	assert.Len(t, slow, subscriberBuffer)
}

func TestSentenceType(t *testing.T) {
	assert.Equal(t, "RMC", sentenceType("$GPRMC,123519,A"))
	assert.Equal(t, "GGA", sentenceType("$GNGGA,"))
	assert.Equal(t, "VDM", sentenceType("!AIVDM,1"))
	assert.Equal(t, "", sentenceType("GPRMC,1"))
	assert.Equal(t, "", sentenceType("$GP"))
}

func TestSerialMux_MonitorEOF(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	port.AddReadData("only\n")
	port.Close()

	assert.NoError(t, mux.Monitor(context.Background()))
}

func TestSerialMux_Close(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	require.NoError(t, mux.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.True(t, port.Closed)
}

func TestSerialMux_AdminCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := httptest.NewRequest(http.MethodPost, "/debug/gnss-command", strings.NewReader("command=$PMTK101*32"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "$PMTK101*32\r\n", port.Written())

	req = httptest.NewRequest(http.MethodGet, "/debug/gnss-command", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w = httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPortOptions(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{"defaults", PortOptions{}, PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"even", PortOptions{BaudRate: 38400, Parity: "even"}, PortOptions{BaudRate: 38400, DataBits: 8, StopBits: 1, Parity: "E"}, false},
		{"bad data bits", PortOptions{DataBits: 9}, PortOptions{}, true},
		{"bad stop bits", PortOptions{StopBits: 3}, PortOptions{}, true},
		{"bad parity", PortOptions{Parity: "mark"}, PortOptions{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	mode, err := PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)
	assert.Equal(t, DefaultBaudRate, mode.BaudRate)
}

func TestReplayPort(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	port := NewReplayPort(clock, []string{"$A", "$B"}, time.Second, false)
	mux := NewSerialMux[SerialPorter](port)
	_, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	clock.Advance(time.Second)
	assert.Equal(t, "$A", recv(t, ch))
	clock.Advance(time.Second)
	assert.Equal(t, "$B", recv(t, ch))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not end after the last line")
	}

	require.NoError(t, mux.SendCommand("$PMTK101*32"))
	assert.Equal(t, "$PMTK101*32\r\n", port.Written())
	require.NoError(t, port.Close())
}

func TestReadFixture(t *testing.T) {
	lines, err := ReadFixture(strings.NewReader("# capture\n\n$GPRMC,1\n  $GPGGA,2  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"$GPRMC,1", "$GPGGA,2"}, lines)

	_, err = LoadFixture("does-not-exist.nmea")
	assert.Error(t, err)
}
