// Package devicemanager reacts to a newly created event by fetching
// device credentials over HTTPS, opening an outbound SSH session to the
// faulting device, and issuing the upload command that makes it push its
// event-logging archive to the SFTP server.
package devicemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/clutch2sft/iw9165-eventpiped/internal/bus"
	"github.com/clutch2sft/iw9165-eventpiped/internal/eventstore"
	"github.com/clutch2sft/iw9165-eventpiped/internal/logging"
)

// Sender identifies this component's publications on the bus. DeviceManager
// never emits a signal itself, but the constant is kept for log
// correlation consistency with the other components.
const Sender = "devicemanager"

// DeviceProfile names one {port, command template} pair keyed by a
// device_profile name, so multiple device models can each get their own
// upload command shape.
type DeviceProfile struct {
	Port            string
	CommandTemplate string // Go format string; first %s is the ingress IP, second is the archive name.
}

// Config configures one DeviceManager instance.
type Config struct {
	// CredentialsURL is queried as "<CredentialsURL>?ip=<ip>" and must
	// return JSON {"username":"...","password":"..."}.
	CredentialsURL string
	// IngressIP is substituted into the upload command's tftp:// URL.
	IngressIP string
	// Profiles maps a device_profile name to its port/command template.
	Profiles map[string]DeviceProfile
	// DefaultProfile names the Profiles entry used for every event.
	DefaultProfile string

	HostKeyCallback ssh.HostKeyCallback
	DialTimeout     time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Manager fetches credentials and issues the upload command for one device
// per created event.
type Manager struct {
	cfg    Config
	store  *eventstore.Store
	logger *slog.Logger
	http   *http.Client
}

// New constructs a Manager that looks EventRecords up in store.
func New(cfg Config, store *eventstore.Store) *Manager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: logging.Default(cfg.Logger).With("component", "devicemanager"),
		http:   cfg.HTTPClient,
	}
}

// BindBus subscribes to CIPEventCreated.
func (m *Manager) BindBus(b *bus.Bus) {
	b.Subscribe(bus.SignalCIPEventCreated, "", func(ctx context.Context, sender string, payload any) {
		p, ok := payload.(bus.CIPEventCreatedPayload)
		if !ok {
			return
		}
		m.HandleEventCreated(ctx, p.EventID)
	})
}

// HandleEventCreated looks up the event, fetches credentials for its
// device, and issues the upload command over SSH. Any failure is logged
// and the event is dropped; there is no retry.
func (m *Manager) HandleEventCreated(ctx context.Context, eventID string) {
	rec, ok := m.store.Get(eventID)
	if !ok {
		m.logger.Error("device manager: unknown event id", "event_id", eventID)
		return
	}

	creds, err := m.fetchCredentials(ctx, rec.IP)
	if err != nil {
		m.logger.Error("device manager: credentials fetch failed", "ip", rec.IP, "error", err)
		return
	}

	profile := m.cfg.Profiles[m.cfg.DefaultProfile]
	if err := m.runUploadCommand(ctx, rec, creds, profile); err != nil {
		m.logger.Error("device manager: ssh command failed", "ip", rec.IP, "error", err)
		return
	}
}

func (m *Manager) fetchCredentials(ctx context.Context, ip string) (credentials, error) {
	u, err := url.Parse(m.cfg.CredentialsURL)
	if err != nil {
		return credentials{}, errors.Wrap(err, "credentials url")
	}
	q := u.Query()
	q.Set("ip", ip)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return credentials{}, errors.Wrap(err, "credentials request")
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return credentials{}, errors.Wrap(err, "credentials request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return credentials{}, errors.Errorf("credentials endpoint returned status %d", resp.StatusCode)
	}

	var c credentials
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return credentials{}, errors.Wrap(err, "credentials decode")
	}
	if c.Username == "" {
		return credentials{}, errors.New("credentials missing username")
	}
	return c, nil
}

// runUploadCommand opens an SSH session to the event's own device address
// — never the SFTP ingress address — and issues the single upload
// command.
func (m *Manager) runUploadCommand(ctx context.Context, rec *eventstore.EventRecord, creds credentials, profile DeviceProfile) error {
	sshConfig := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password)},
		HostKeyCallback: m.cfg.HostKeyCallback,
		Timeout:         m.cfg.DialTimeout,
	}

	addr := fmt.Sprintf("%s:%s", rec.IP, profile.Port)
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return errors.Wrapf(err, "ssh dial %s", addr)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return errors.Wrap(err, "ssh new session")
	}
	defer session.Close()

	cmd := fmt.Sprintf(profile.CommandTemplate, m.cfg.IngressIP, rec.ArchiveName())
	if err := session.Run(cmd); err != nil {
		return errors.Wrapf(err, "ssh command %q", cmd)
	}
	return nil
}
