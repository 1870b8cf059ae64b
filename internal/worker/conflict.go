package worker

import (
	"github.com/santedb/santedb-dc-core-sub006/internal/models"
)

// ConflictPolicy decides between a pulled record and local changes to the
// same resource that are still waiting to be pushed.
type ConflictPolicy struct {
	// OverwriteServer makes local changes win: the remote record is dropped
	// and the pending push overwrites the server copy.
	OverwriteServer bool
}

// Resolution is the outcome of a conflict check.
type Resolution struct {
	KeepRemote bool
	DropLocal  []*models.QueueEntry
}

// Resolve returns what to do with rec given the pending outgoing entries for
// the same resource type and key.
func (p ConflictPolicy) Resolve(rec models.RemoteRecord, pending []*models.QueueEntry) Resolution {
	if len(pending) == 0 {
		return Resolution{KeepRemote: true}
	}
	if p.OverwriteServer {
		return Resolution{KeepRemote: false}
	}
	return Resolution{KeepRemote: true, DropLocal: pending}
}
