package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/stats"
	"firestige.xyz/vswitch/internal/vswitch"
)

// Backend is the daemon surface the control plane drives. Every call is
// marshaled onto the dispatch goroutine by the implementation, keeping the
// switch single-threaded.
type Backend interface {
	// StatsSnapshot returns the shared page's age and decoded port rows.
	StatsSnapshot() (uint64, []stats.Snapshot)
	// StatsSync republishes the page for polling readers.
	StatsSync() uint64
	// CreatePort runs the factory protocol and returns the handle
	// identity of the new port.
	CreatePort(opts []string) (PortInfo, error)
	// Shutdown asks the daemon to stop.
	Shutdown()
}

// PortInfo describes a created port to the control plane caller.
type PortInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mac  string `json:"mac"`
}

// Handler routes control plane commands to the backend.
type Handler struct {
	backend Backend
	logger  log.Logger
}

// NewHandler creates a command handler.
func NewHandler(backend Backend) *Handler {
	return &Handler{backend: backend, logger: log.Component("core")}
}

type createPortParams struct {
	Options []string `json:"options"`
}

type statsResult struct {
	Age   uint64           `json:"age"`
	Ports []stats.Snapshot `json:"ports"`
}

// Handle dispatches one command.
func (h *Handler) Handle(ctx context.Context, method string, params json.RawMessage) Response {
	switch method {
	case "switch_stats":
		age, ports := h.backend.StatsSnapshot()
		return Response{Result: statsResult{Age: age, Ports: ports}}

	case "stats_sync":
		age := h.backend.StatsSync()
		return Response{Result: map[string]uint64{"age": age}}

	case "port_create":
		var p createPortParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return Response{Error: &ErrorInfo{
					Code:    ErrCodeInvalidParams,
					Message: fmt.Sprintf("invalid params: %v", err),
				}}
			}
		}
		info, err := h.backend.CreatePort(p.Options)
		if err != nil {
			return Response{Error: &ErrorInfo{Code: mapFactoryError(err), Message: err.Error()}}
		}
		return Response{Result: info}

	case "daemon_shutdown":
		h.logger.Info("shutdown requested via control socket")
		h.backend.Shutdown()
		return Response{Result: "stopping"}

	default:
		return Response{Error: &ErrorInfo{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("unknown method %q", method),
		}}
	}
}

func mapFactoryError(err error) int {
	switch {
	case errors.Is(err, vswitch.ErrInvalidArgument):
		return ErrCodeInvalidParams
	case errors.Is(err, vswitch.ErrOutOfCapacity), errors.Is(err, vswitch.ErrMacConflict):
		return ErrCodeInternal
	}
	return ErrCodeInternal
}
