// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package host

import (
	"runtime"
	"testing"
)

func TestCollect(t *testing.T) {
	info := Collect()
	if info.Platform != runtime.GOOS {
		t.Errorf("platform = %q, want %q", info.Platform, runtime.GOOS)
	}
	if info.Architecture != runtime.GOARCH {
		t.Errorf("architecture = %q, want %q", info.Architecture, runtime.GOARCH)
	}
	if info.OSInfo == "" {
		t.Error("os_info is empty")
	}
}

func TestCollectMetricsDoesNotPanic(t *testing.T) {
	m := CollectMetrics()
	got := m.Map()
	// Values are platform-dependent; the map must simply be well-formed.
	for k, v := range got {
		if v == nil {
			t.Errorf("metric %s is nil", k)
		}
	}
}

func TestMetricsMapOmitsZeroes(t *testing.T) {
	var m Metrics
	if got := m.Map(); len(got) != 0 {
		t.Errorf("zero metrics produced %v", got)
	}

	m.Load1 = 0.5
	m.MemTotalBytes = 1024
	got := m.Map()
	if _, ok := got["load_1"]; !ok {
		t.Error("load_1 missing")
	}
	if _, ok := got["mem_total_bytes"]; !ok {
		t.Error("mem_total_bytes missing")
	}
	if _, ok := got["disk_total_bytes"]; ok {
		t.Error("disk fields should be omitted when zero")
	}
}
