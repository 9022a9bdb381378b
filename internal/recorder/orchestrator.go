// SPDX-License-Identifier: MIT

package recorder

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/camrecd/camrecd/internal/config"
	"github.com/camrecd/camrecd/internal/ffmpeg"
	"github.com/camrecd/camrecd/internal/log"
)

// startStagger spaces out camera starts so a fleet of encoders doesn't
// spike the capture host all at once.
const startStagger = 500 * time.Millisecond

// Orchestrator fans control operations out across all camera supervisors.
// A single camera's failure never blocks the others; batch operations
// return a per-camera success map instead of erroring out.
type Orchestrator struct {
	supervisors map[string]*Supervisor
	order       []string
	stagger     time.Duration
}

// NewOrchestrator builds supervisors for every enabled camera.
func NewOrchestrator(cameras map[string]config.CameraConfig, enc config.EncodingConfig, rec config.RecordingConfig, gw *ffmpeg.Gateway) (*Orchestrator, error) {
	o := &Orchestrator{
		supervisors: map[string]*Supervisor{},
		stagger:     startStagger,
	}
	for id, cam := range cameras {
		if !cam.IsEnabled() {
			continue
		}
		sup, err := NewSupervisor(id, cam, enc, rec, gw)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", id, err)
		}
		o.supervisors[id] = sup
		o.order = append(o.order, id)
	}
	sort.Strings(o.order)
	return o, nil
}

// Supervisor returns the supervisor for a camera id, if present.
func (o *Orchestrator) Supervisor(id string) (*Supervisor, bool) {
	s, ok := o.supervisors[id]
	return s, ok
}

// StartAll starts every camera with a fixed stagger between spawns.
func (o *Orchestrator) StartAll(ctx context.Context) map[string]bool {
	logger := log.WithComponent("orchestrator")
	results := make(map[string]bool, len(o.order))

	for i, id := range o.order {
		if i > 0 {
			select {
			case <-ctx.Done():
				results[id] = false
				continue
			case <-time.After(o.stagger):
			}
		}
		err := o.supervisors[id].Start(ctx)
		results[id] = err == nil
		if err != nil {
			logger.Error().Err(err).Str("camera", id).Msg("camera failed to start")
		}
	}
	return results
}

// StopAll stops every camera, each bounded by the same timeout. The map
// reports whether each camera reached Stopped; a forced kill still counts
// as stopped.
func (o *Orchestrator) StopAll(ctx context.Context, timeout time.Duration) map[string]bool {
	logger := log.WithComponent("orchestrator")
	results := make(map[string]bool, len(o.order))

	for _, id := range o.order {
		clean, err := o.supervisors[id].Stop(ctx, timeout)
		results[id] = err == nil
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("camera", id).Msg("camera stop skipped")
		case !clean:
			logger.Warn().Str("camera", id).Msg("camera stopped by forced kill")
		}
	}
	return results
}

// CheckHealth probes liveness of every camera session.
func (o *Orchestrator) CheckHealth() map[string]bool {
	results := make(map[string]bool, len(o.order))
	for _, id := range o.order {
		results[id] = o.supervisors[id].IsAlive()
	}
	return results
}

// AllStats collects per-session statistics.
func (o *Orchestrator) AllStats() map[string]SessionStats {
	results := make(map[string]SessionStats, len(o.order))
	for _, id := range o.order {
		results[id] = o.supervisors[id].Stats()
	}
	return results
}
