package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// MonitorCopy fans a frame out to every monitor subscribed to the robot, with
// the diagnostic fields observers key on. Gone subscribers are skipped
// silently; other failures are logged and never affect the caller.
func (e *Engine) MonitorCopy(ctx context.Context, robotID string, frame map[string]any, source, target, direction string) {
	monitors, err := e.connections.MonitorsOf(ctx, robotID)
	if err != nil {
		slog.Warn("monitor fan-out query failed", "robot_id", robotID, "error", err)
		return
	}
	if len(monitors) == 0 {
		return
	}

	copyFrame := make(map[string]any, len(frame)+4)
	for k, v := range frame {
		copyFrame[k] = v
	}
	copyFrame["_monitor"] = true
	copyFrame["_source"] = source
	if target != "" {
		copyFrame["_target"] = target
	}
	copyFrame["_direction"] = direction

	data, err := json.Marshal(copyFrame)
	if err != nil {
		slog.Warn("monitor copy marshal failed", "robot_id", robotID, "error", err)
		return
	}

	for _, m := range monitors {
		if err := e.sink.Post(ctx, m.ConnectionID, data); err != nil {
			if !errors.Is(err, ErrGone) {
				slog.Warn("monitor delivery failed", "connection_id", m.ConnectionID, "error", err)
			}
			continue
		}
		e.metrics.MonitorCopies.Inc()
	}
}

func (e *Engine) emitMonitorCopy(ctx context.Context, robotID string, frame map[string]any, source, target string, fromRobot bool) {
	direction := "client-to-robot"
	if fromRobot {
		direction = "robot-to-client"
	}
	e.MonitorCopy(ctx, robotID, frame, source, target, direction)
}
