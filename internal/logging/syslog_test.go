// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestDefaultSyslogConfig(t *testing.T) {
	cfg := DefaultSyslogConfig()

	if cfg.Enabled {
		t.Error("Default should be disabled")
	}
	if cfg.Port != 514 {
		t.Errorf("Expected port 514, got %d", cfg.Port)
	}
	if cfg.Protocol != "udp" {
		t.Errorf("Expected protocol udp, got %s", cfg.Protocol)
	}
	if cfg.Tag != "flymesh" {
		t.Errorf("Expected tag flymesh, got %s", cfg.Tag)
	}
	if cfg.Facility != 1 {
		t.Errorf("Expected facility 1, got %d", cfg.Facility)
	}
}

func TestNewSyslogWriter_MissingHost(t *testing.T) {
	cfg := SyslogConfig{
		Enabled: true,
		Host:    "", // Missing
	}

	_, err := NewSyslogWriter(cfg)
	if err == nil {
		t.Error("Expected error for missing host")
	}
}

func TestSyslogWriter_Format(t *testing.T) {
	// Listen on an ephemeral UDP port and capture one message.
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	w, err := NewSyslogWriter(SyslogConfig{Host: "127.0.0.1", Port: port, Tag: "flymesh-test"})
	if err != nil {
		t.Fatalf("NewSyslogWriter failed: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP failed: %v", err)
	}
	got := string(buf[:n])
	if !strings.HasPrefix(got, "<13>") {
		t.Errorf("Expected PRI <13> (facility 1, notice), got %q", got)
	}
	if !strings.Contains(got, "flymesh-test: hello") {
		t.Errorf("Expected tag and message in %q", got)
	}
}
