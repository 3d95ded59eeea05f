// Package document is the client-local view of one open document. It is owned
// by the session holding the soft lock and mutated only by applying
// checkpoints or accepted stage transitions.
package document

import (
	"github.com/vincentgggg12/docufen-admin-sub002/internal/auditlog"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/stage"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/workflow"
)

// Slot positions of the five fixed participant groups.
const (
	SlotOwners = iota
	SlotPreApproval
	SlotExecution
	SlotPostApproval
	SlotViewers
)

type Document struct {
	ID    string      `json:"id"`
	Stage stage.Stage `json:"stage"`
	// EditTime is the server-issued optimistic-lock token, monotonic per
	// document. Whoever presents the current value may write next.
	EditTime          int64            `json:"editTime"`
	ParticipantGroups []workflow.Group `json:"participantGroups"`
	EmptyCellCount    int              `json:"emptyCellCount"`
	MarkerCounter     int              `json:"markerCounter"`
	AttachmentNumber  int              `json:"attachmentNumber"`
	Locale            string           `json:"locale"`
	Timezone          string           `json:"timezone"`
}

// New creates a draft document with the five fixed group slots.
func New(id string) *Document {
	return &Document{
		ID:    id,
		Stage: stage.Draft,
		ParticipantGroups: []workflow.Group{
			{Title: workflow.GroupOwners},
			{Title: workflow.GroupPreApproval},
			{Title: workflow.GroupExecution},
			{Title: workflow.GroupPostApproval},
			{Title: workflow.GroupViewers},
		},
	}
}

// ApprovalGroups returns the three signing groups in the order the workflow
// engine maps stages onto (Pre-Approval, Execution, Post-Approval).
func (d *Document) ApprovalGroups() []workflow.Group {
	if len(d.ParticipantGroups) < SlotViewers {
		return nil
	}
	return d.ParticipantGroups[SlotPreApproval : SlotPostApproval+1]
}

// SetApprovalGroups writes back an updated approval-group slice produced by
// the workflow engine.
func (d *Document) SetApprovalGroups(groups []workflow.Group) {
	if groups == nil || len(d.ParticipantGroups) < SlotViewers {
		return
	}
	copy(d.ParticipantGroups[SlotPreApproval:SlotPostApproval+1], groups)
}

// ApplyCheckpoint folds an accepted checkpoint and its server-assigned lock
// token into the local state.
func (d *Document) ApplyCheckpoint(item auditlog.Item, timestamp int64) {
	d.Stage = stage.Parse(string(item.Stage))
	d.EmptyCellCount = item.EmptyCellCount
	d.MarkerCounter = item.MarkerCounter
	d.AttachmentNumber = item.AttachmentNumber
	if item.Locale != "" {
		d.Locale = item.Locale
	}
	if item.Timezone != "" {
		d.Timezone = item.Timezone
	}
	d.EditTime = timestamp
}

// ApplyTransition records an accepted stage change. Freshly uploaded content
// has no tracked empty cells yet, so entering Uploaded resets the counter.
func (d *Document) ApplyTransition(to stage.Stage, timestamp int64) {
	d.Stage = to
	if to == stage.Uploaded {
		d.EmptyCellCount = 0
	}
	d.EditTime = timestamp
}
