// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// SyslogConfig describes an RFC 3164 forwarding target.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled"`
	Host     string `hcl:"host,optional" json:"host"`
	Port     int    `hcl:"port,optional" json:"port"`
	Protocol string `hcl:"protocol,optional" json:"protocol"` // "udp" or "tcp"
	Tag      string `hcl:"tag,optional" json:"tag"`
	Facility int    `hcl:"facility,optional" json:"facility"` // 0-23, default 1 (user)
}

// DefaultSyslogConfig returns a disabled config with standard defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      defaultTag,
		Facility: 1,
	}
}

// SyslogWriter forwards each Write as one syslog message. Severity is
// fixed at notice; level filtering happens in the slog handler before
// the writer sees anything.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	tag      string
	facility int
	hostname string
}

// NewSyslogWriter dials the target. Host is required; port, protocol
// and tag fall back to the defaults.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = defaultTag
	}
	if cfg.Facility < 0 || cfg.Facility > 23 {
		cfg.Facility = 1
	}

	conn, err := net.DialTimeout(cfg.Protocol, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	return &SyslogWriter{
		conn:     conn,
		tag:      cfg.Tag,
		facility: cfg.Facility,
		hostname: hostname,
	}, nil
}

func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// PRI = facility*8 + severity (5 = notice)
	pri := w.facility*8 + 5
	msg := fmt.Sprintf("<%d>%s %s %s: %s",
		pri, time.Now().Format(time.Stamp), w.hostname, w.tag, string(p))
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Close()
}
