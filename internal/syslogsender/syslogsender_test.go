package syslogsender

import (
	"bufio"
	"context"
	"net"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clutch2sft/iw9165-eventpiped/internal/bus"
	"github.com/clutch2sft/iw9165-eventpiped/internal/eventstore"
	"github.com/clutch2sft/iw9165-eventpiped/internal/logging"
)

func TestSourceIPDerivesFromEventIDPrefix(t *testing.T) {
	assert.Equal(t, "192.0.2.5", sourceIP("192.0.2.5_2024-04-02T00:45:01"))
}

func TestFormatMessageShape(t *testing.T) {
	now := time.Date(2024, time.April, 2, 0, 45, 1, 0, time.UTC)
	msg := formatMessage("192.0.2.5", "dmesg", "one in-window line", now)
	assert.Regexp(t, regexp.MustCompile(`^<134>.* 192\.0\.2\.5 IWPLOGPARSER dmesg: one in-window line\n$`), msg)
}

// TestEndToEndCorrelationOverTCP checks that an event with one categorised
// line results in a syslog line matching the expected shape.
func TestEndToEndCorrelationOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
	}()

	b := bus.New()
	store := eventstore.New(b, logging.New(os.Stderr))
	dts := time.Date(2024, time.April, 2, 0, 45, 1, 0, time.UTC)
	rec, ok := store.Add(context.Background(), "192.0.2.5", dts, "", "E07")
	require.True(t, ok)
	require.NoError(t, store.AttachCategorised(context.Background(), rec.ID, map[string][]string{
		"dmesg": {"one in-window line"},
	}))

	fwd := New(Config{CollectorAddr: ln.Addr().String(), Transport: TransportTCP}, store)
	fwd.Handle(rec.ID)

	select {
	case line := <-received:
		assert.Regexp(t, regexp.MustCompile(`^<134>.* 192\.0\.2\.5 IWPLOGPARSER dmesg: one in-window line$`), line[:len(line)-1])
	case <-time.After(2 * time.Second):
		t.Fatal("collector never received a datagram")
	}
}

func TestHandleUnknownEventLogsAndReturns(t *testing.T) {
	b := bus.New()
	store := eventstore.New(b, logging.New(os.Stderr))
	fwd := New(Config{CollectorAddr: "127.0.0.1:0", Transport: TransportTCP}, store)
	fwd.Handle("no-such-event")
}

func TestSendRedialsAfterCloseAndReportsDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := bus.New()
	store := eventstore.New(b, logging.New(os.Stderr))
	fwd := New(Config{CollectorAddr: ln.Addr().String(), Transport: TransportTCP}, store)

	require.NoError(t, fwd.send([]byte("first\n")))
	require.NoError(t, fwd.Close())
	ln.Close()

	err = fwd.send([]byte("second\n"))
	assert.Error(t, err)
	assert.Nil(t, fwd.conn)
}
