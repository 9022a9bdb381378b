// SPDX-License-Identifier: MIT

package sysload

import (
	"math"
	"testing"
)

func TestParseCPULine(t *testing.T) {
	data := "cpu  100 0 50 800 50 0 0 0 0 0\ncpu0 10 0 5 80 5 0 0 0\n"
	got, err := parseCPULine(data)
	if err != nil {
		t.Fatalf("parseCPULine: %v", err)
	}
	if got.user != 100 || got.system != 50 || got.idle != 800 || got.iowait != 50 {
		t.Errorf("unexpected times: %+v", got)
	}
}

func TestParseCPULineMissing(t *testing.T) {
	if _, err := parseCPULine("intr 12345\n"); err == nil {
		t.Fatal("expected error for stat data without cpu line")
	}
}

func TestDeltaPercentages(t *testing.T) {
	a := cpuTimes{user: 100, system: 50, idle: 800, iowait: 50}
	// +100 busy (user), +60 idle, +40 iowait over the window: 200 total.
	b := cpuTimes{user: 200, system: 50, idle: 860, iowait: 90}

	s := delta(a, b)
	if math.Abs(s.BusyPercent-50.0) > 0.01 {
		t.Errorf("BusyPercent = %.2f, want 50", s.BusyPercent)
	}
	if math.Abs(s.IOWaitPercent-20.0) > 0.01 {
		t.Errorf("IOWaitPercent = %.2f, want 20", s.IOWaitPercent)
	}
}

func TestDeltaNoElapsedTime(t *testing.T) {
	a := cpuTimes{user: 100, idle: 800}
	s := delta(a, a)
	if s.BusyPercent != 0 || s.IOWaitPercent != 0 {
		t.Errorf("expected zero sample for zero-width window, got %+v", s)
	}
}
