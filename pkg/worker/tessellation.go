package worker

import (
	"context"
	"fmt"

	"github.com/chazu/facet/pkg/tessellate"
)

// TessellationHandler serves the default backend's requests with a
// tessellation engine.
type TessellationHandler struct {
	engine *tessellate.Engine
}

// NewTessellationHandler returns a handler backed by e.
func NewTessellationHandler(e *tessellate.Engine) *TessellationHandler {
	return &TessellationHandler{engine: e}
}

func (h *TessellationHandler) Handle(ctx context.Context, req Request) Message {
	switch req.Action {
	case ActionRegister:
		return Message{Reply: ReplyInitialized}

	case ActionLoadFile:
		if req.Snapshot == nil {
			return Message{Reply: ReplyDisplayShape, Err: fmt.Errorf("worker: %s without snapshot", req.Action)}
		}
		batch, err := h.engine.Tessellate(ctx, req.Snapshot)
		return Message{Reply: ReplyDisplayShape, Version: req.Snapshot.Version, Batch: batch, Snapshot: req.Snapshot, Err: err}

	case ActionDryRun:
		if req.Snapshot == nil {
			return Message{Reply: ReplyDryRunResponse, Err: fmt.Errorf("worker: %s without snapshot", req.Action)}
		}
		res, err := h.engine.DryRun(ctx, req.Snapshot, req.Target)
		return Message{Reply: ReplyDryRunResponse, Version: req.Snapshot.Version, DryRun: res, Err: err}
	}
	return Message{Err: fmt.Errorf("worker: tessellation handler cannot serve %s", req.Action)}
}
