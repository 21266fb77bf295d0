package api

import (
	"context"
	"net/http"
	"os"
)

// Pinger is the probe surface optional dependencies expose to /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 4)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}

	if h.Queue != nil {
		_, err := h.Queue.Depth(ctx)
		components = append(components, recordComponent("queue", err))
	}

	if h.Broker != nil {
		components = append(components, recordComponent("broker", h.Broker.Ping(ctx)))
	} else {
		components = append(components, componentStatus{Component: "broker", Status: "disabled"})
	}

	components = append(components, recordComponent("storage", h.storageWritable()))

	return components, overallStatus, statusCode
}

// storageWritable proves the chunk root accepts writes. The probe file keeps
// the temp_ prefix so a crashed probe is reclaimed by the temp-file sweep.
func (h *Handler) storageWritable() error {
	dir := h.Layout.ChunksDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, "temp_probe_*")
	if err != nil {
		return err
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
