// Package worker runs geometry backends as goroutines that communicate
// only by message passing. A per-view Dispatcher keeps at most one
// tessellation request in flight for its default worker and always sends
// the newest document snapshot next.
package worker

import (
	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/tessellate"
)

// Action is a request kind sent to a backend.
type Action string

const (
	ActionRegister    Action = "REGISTER"
	ActionLoadFile    Action = "LOAD_FILE"
	ActionDryRun      Action = "DRY_RUN"
	ActionPostProcess Action = "POSTPROCESS"
)

// Reply is a response kind sent by a backend.
type Reply string

const (
	ReplyInitialized    Reply = "INITIALIZED"
	ReplyDisplayShape   Reply = "DISPLAY_SHAPE"
	ReplyDryRunResponse Reply = "DRY_RUN_RESPONSE"
	ReplyDisplayPost    Reply = "DISPLAY_POST"
)

// Request is one unit of work for a backend. Which payload field is set
// depends on Action.
type Request struct {
	ID      string
	Action  Action
	Version uint64

	// Snapshot is the document for LOAD_FILE and DRY_RUN.
	Snapshot *document.Snapshot
	// Target names the object a DRY_RUN reports on.
	Target string
	// Post lists the meshes to export for POSTPROCESS.
	Post []*tessellate.PostResult
}

// Message is a backend's reply to a Request.
type Message struct {
	RequestID string
	Worker    WorkerID
	Reply     Reply
	Version   uint64

	// Batch is set on DISPLAY_SHAPE, with the snapshot it was built from.
	Batch    *tessellate.Batch
	Snapshot *document.Snapshot
	// DryRun is set on DRY_RUN_RESPONSE.
	DryRun *tessellate.Result
	// Outputs maps post-process object names to artifacts on DISPLAY_POST.
	Outputs map[string]document.Output

	// Err is set when the request could not be served at all.
	Err error
}
