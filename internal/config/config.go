// Package config loads the service's JSON configuration document,
// stripping "__comments__" keys at any depth before decoding into the
// typed Config struct.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ListenerConfig configures the trigger listener's bind address and wire
// transport.
type ListenerConfig struct {
	Host      string `json:"host"`
	Port      string `json:"port"`
	Transport string `json:"transport"`
}

// SyslogConfig configures the syslog forwarder's outbound collector.
type SyslogConfig struct {
	IP        string `json:"ip"`
	Port      string `json:"port"`
	Transport string `json:"transport"`
}

// DeviceProfileConfig is one {port, command_template} pair keyed by a
// device_profile name.
type DeviceProfileConfig struct {
	Port            string `json:"port"`
	CommandTemplate string `json:"command_template"`
}

// Config is the full configuration document.
type Config struct {
	SFTPRSAKeyfile string `json:"sftp_rsa_keyfile"`
	SFTPHostIP     string `json:"sftp_host_ip"`
	SFTPListenPort string `json:"sftp_listen_port"`

	Listener ListenerConfig `json:"listener"`

	SharedSecret        string `json:"shared_secret"`
	AllowedSecretChars  string `json:"allowed_secret_chars"`
	CredentialsURL      string `json:"credentials_url"`
	DeviceProfile       string `json:"device_profile"`
	IngressIP           string `json:"ingress_ip"`
	EventWindowSeconds  int    `json:"event_window_seconds"`

	Syslog SyslogConfig `json:"syslog"`

	DeviceProfiles map[string]DeviceProfileConfig `json:"device_profiles"`
}

// Load reads path, strips __comments__ keys at every depth, and decodes
// the result into a Config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errors.Wrap(err, "config: invalid json")
	}
	stripComments(generic)

	cleaned, err := json.Marshal(generic)
	if err != nil {
		return nil, errors.Wrap(err, "config: re-marshal")
	}

	var cfg Config
	if err := json.Unmarshal(cleaned, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	return &cfg, nil
}

// stripComments recursively deletes the "__comments__" key at every
// nesting level so config documents can carry inline documentation
// without it leaking into the decoded struct.
func stripComments(m map[string]any) {
	delete(m, "__comments__")
	for _, v := range m {
		if child, ok := v.(map[string]any); ok {
			stripComments(child)
		}
	}
}

// CopySample copies path+".sample.json" to path if the sample exists and
// path does not, so a first run with no config yet can still produce an
// editable starting point. It reports whether a copy was made.
func CopySample(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	samplePath := path + ".sample.json"
	data, err := os.ReadFile(samplePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
