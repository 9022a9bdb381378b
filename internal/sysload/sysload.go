// SPDX-License-Identifier: MIT

// Package sysload samples system CPU utilisation from /proc/stat.
package sysload

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sample holds CPU busy and I/O-wait percentages over a sampling interval.
type Sample struct {
	BusyPercent   float64
	IOWaitPercent float64
}

// Provider returns a load sample. Injectable so the transcode gate can be
// tested without touching /proc.
type Provider func() (Sample, error)

const defaultInterval = 1 * time.Second

// cpuTimes is the aggregate cpu line from /proc/stat.
type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func (c cpuTimes) total() uint64 {
	return c.user + c.nice + c.system + c.idle + c.iowait + c.irq + c.softirq + c.steal
}

func readCPUTimes() (cpuTimes, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuTimes{}, err
	}
	return parseCPULine(string(data))
}

func parseCPULine(data string) (cpuTimes, error) {
	for _, line := range strings.Split(data, "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			return cpuTimes{}, fmt.Errorf("proc stat parse: short cpu line %q", line)
		}
		vals := make([]uint64, 0, 8)
		for _, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuTimes{}, fmt.Errorf("proc stat parse: %w", err)
			}
			vals = append(vals, v)
			if len(vals) == 8 {
				break
			}
		}
		for len(vals) < 8 {
			vals = append(vals, 0)
		}
		return cpuTimes{
			user: vals[0], nice: vals[1], system: vals[2], idle: vals[3],
			iowait: vals[4], irq: vals[5], softirq: vals[6], steal: vals[7],
		}, nil
	}
	return cpuTimes{}, fmt.Errorf("proc stat parse: no cpu line")
}

// Read takes two /proc/stat samples an interval apart and returns the
// busy and iowait percentages over that window.
func Read() (Sample, error) {
	return readWithInterval(defaultInterval)
}

func readWithInterval(interval time.Duration) (Sample, error) {
	a, err := readCPUTimes()
	if err != nil {
		return Sample{}, err
	}
	time.Sleep(interval)
	b, err := readCPUTimes()
	if err != nil {
		return Sample{}, err
	}
	return delta(a, b), nil
}

func delta(a, b cpuTimes) Sample {
	total := b.total() - a.total()
	if total == 0 {
		return Sample{}
	}
	idle := (b.idle - a.idle) + (b.iowait - a.iowait)
	busy := total - idle
	return Sample{
		BusyPercent:   100 * float64(busy) / float64(total),
		IOWaitPercent: 100 * float64(b.iowait-a.iowait) / float64(total),
	}
}
