package orchestrator

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/clutch2sft/iw9165-eventpiped/internal/config"
	"github.com/clutch2sft/iw9165-eventpiped/internal/logging"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return port
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		SFTPHostIP:         "127.0.0.1",
		SFTPListenPort:     freePort(t),
		Listener:           config.ListenerConfig{Host: "127.0.0.1", Port: freePort(t), Transport: "udp"},
		SharedSecret:       "s3cr3t",
		CredentialsURL:     "http://127.0.0.1:0/",
		DeviceProfile:      "iw9165",
		IngressIP:          "203.0.113.1",
		EventWindowSeconds: 2,
		Syslog:             config.SyslogConfig{IP: "127.0.0.1", Port: strconv.Itoa(1), Transport: "udp"},
		DeviceProfiles: map[string]config.DeviceProfileConfig{
			"iw9165": {Port: "22", CommandTemplate: "copy event-logging upload tftp://%s/%s"},
		},
	}
}

func TestNewWiresAllComponentsWithoutError(t *testing.T) {
	svc, err := New(testConfig(t), logging.New(nil))
	require.NoError(t, err)
	assert.NotNil(t, svc.bus)
	assert.NotNil(t, svc.store)
	assert.NotNil(t, svc.listener)
	assert.NotNil(t, svc.devmgr)
	assert.NotNil(t, svc.sftpServer)
	assert.NotNil(t, svc.extractor)
	assert.NotNil(t, svc.winParser)
	assert.NotNil(t, svc.forwarder)
}

func TestRunStopsCleanlyOnContextCancel(t *testing.T) {
	svc, err := New(testConfig(t), logging.New(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestStopIsIdempotentWhenNeverRun(t *testing.T) {
	svc, err := New(testConfig(t), logging.New(nil))
	require.NoError(t, err)
	svc.Stop()
	svc.Stop()
}

func TestJoinHostPortOnlyEnablesMatchingTransport(t *testing.T) {
	assert.Equal(t, "", joinHostPort("127.0.0.1", "9000", "udp", "tcp"))
	assert.Equal(t, "127.0.0.1:9000", joinHostPort("127.0.0.1", "9000", "udp", "udp"))
}

// buildArchive tars and gzips a single member under name containing content.
func buildArchive(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(content)),
	}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	return buf.Bytes()
}

// TestEndToEndTriggerUploadExtractParseForward drives the whole pipeline
// over real wire protocols: a real UDP trigger datagram creates the
// event, a real ssh.Dial+sftp.NewClient session uploads the device's
// archive exactly as an iw9165 would, and a real TCP syslog collector
// observes the forwarded line. No internal method is called directly —
// every stage hands off to the next purely through its real transport.
func TestEndToEndTriggerUploadExtractParseForward(t *testing.T) {
	collectorLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer collectorLn.Close()
	collectorHost, collectorPort, err := net.SplitHostPort(collectorLn.Addr().String())
	require.NoError(t, err)

	received := make(chan string, 1)
	go func() {
		conn, err := collectorLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
	}()

	cfg := testConfig(t)
	cfg.Syslog = config.SyslogConfig{IP: collectorHost, Port: collectorPort, Transport: "tcp"}
	cfg.EventWindowSeconds = 2

	svc, err := New(cfg, logging.New(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)
	time.Sleep(100 * time.Millisecond) // let the accept loops bind

	const ip = "192.0.2.50"
	const plcDate = "04022024" // -> 2024-04-02T00:00:00 UTC, per parsePLCDate
	trigger := fmt.Sprintf("%s,%s,E07,%s", ip, plcDate, cfg.SharedSecret)

	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.Listener.Host, cfg.Listener.Port))
	require.NoError(t, err)
	udpConn, err := net.DialUDP("udp", nil, udpAddr)
	require.NoError(t, err)
	_, err = udpConn.Write([]byte(trigger))
	require.NoError(t, err)
	require.NoError(t, udpConn.Close())
	time.Sleep(100 * time.Millisecond) // let the trigger land in the store

	eventID := ip + "_2024-04-02T00:00:00"
	logLine := "[04/02/2024 00:00:00.000000] device rebooted after radio link flap"
	archive := buildArchive(t, "dmesg.log", logLine+"\n")

	sshAddr := net.JoinHostPort(cfg.SFTPHostIP, cfg.SFTPListenPort)
	sshConn, err := ssh.Dial("tcp", sshAddr, &ssh.ClientConfig{
		User:            "iw9165",
		Auth:            []ssh.AuthMethod{ssh.Password("anything")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	require.NoError(t, err)
	defer sshConn.Close()

	sftpClient, err := sftp.NewClient(sshConn)
	require.NoError(t, err)
	defer sftpClient.Close()

	remote, err := sftpClient.Create(eventID + ".tar.gz")
	require.NoError(t, err)
	_, err = remote.Write(archive)
	require.NoError(t, err)
	require.NoError(t, remote.Close())

	select {
	case line := <-received:
		pattern := `^<134>.* ` + regexp.QuoteMeta(ip) + ` IWPLOGPARSER dmesg: ` + regexp.QuoteMeta(logLine) + `$`
		assert.Regexp(t, regexp.MustCompile(pattern), line[:len(line)-1])
	case <-time.After(5 * time.Second):
		t.Fatal("syslog collector never received the forwarded line")
	}

	cancel()
	svc.Stop()
}
