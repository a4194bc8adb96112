package reconcile

import (
	"fmt"

	errs "github.com/alexjbarnes/davsync/internal/errors"
	"github.com/alexjbarnes/davsync/internal/models"
)

// Input is what the classifier needs to know about one file. EtagChanged
// and LocalChanged are only meaningful when a record exists and the
// corresponding side is present.
type Input struct {
	HasRecord     bool
	LocalPresent  bool
	RemotePresent bool
	EtagChanged   bool
	LocalChanged  bool
}

// Verdict is the outcome of classifying one file. Conflict is set only
// when Action is models.ActionConflict.
type Verdict struct {
	Action   models.Action
	Conflict models.ConflictType
}

func act(a models.Action) Verdict {
	return Verdict{Action: a}
}

func conflict(c models.ConflictType) Verdict {
	return Verdict{Action: models.ActionConflict, Conflict: c}
}

// Classify decides what to do with a file by comparing both sides against
// the last reconciled record. This is a pure decision function with no
// I/O. Every branch where both sides match the record yields ActionNone,
// which is what makes repeated runs idempotent.
func Classify(in Input) Verdict {
	// Step 1: never synced before.
	if !in.HasRecord {
		switch {
		case in.LocalPresent && in.RemotePresent:
			return conflict(models.ConflictBothNew)
		case in.LocalPresent:
			return act(models.ActionUpload)
		case in.RemotePresent:
			return act(models.ActionDownload)
		default:
			return act(models.ActionNone)
		}
	}

	// Step 2: gone on both sides. Only the record is left.
	if !in.LocalPresent && !in.RemotePresent {
		return act(models.ActionDropRecord)
	}

	// Step 3: deleted locally. Propagate unless the remote moved on.
	if !in.LocalPresent {
		if in.EtagChanged {
			return conflict(models.ConflictLocalDeletedRemoteChanged)
		}

		return act(models.ActionDeleteRemote)
	}

	// Step 4: deleted remotely. Propagate unless the local copy moved on.
	if !in.RemotePresent {
		if in.LocalChanged {
			return conflict(models.ConflictRemoteDeletedLocalChanged)
		}

		return act(models.ActionDeleteLocal)
	}

	// Step 5: present on both sides.
	switch {
	case in.EtagChanged && in.LocalChanged:
		return conflict(models.ConflictBothChanged)
	case in.EtagChanged:
		return act(models.ActionDownload)
	case in.LocalChanged:
		return act(models.ActionUpload)
	default:
		return act(models.ActionNone)
	}
}

// ClassifyResolved maps a conflict record that carries a resolution to the
// action that enforces it. The preferred side wins: if it still exists its
// content is transferred, if it was deleted the deletion is propagated.
// Unresolved records yield ActionNone.
func ClassifyResolved(rec models.ResourceSyncRecord, localPresent, remotePresent bool) Verdict {
	if !localPresent && !remotePresent {
		return act(models.ActionDropRecord)
	}

	switch rec.ConflictResolution {
	case models.ResolutionPreferLocal:
		if localPresent {
			return act(models.ActionUpload)
		}

		return act(models.ActionDeleteRemote)
	case models.ResolutionPreferRemote:
		if remotePresent {
			return act(models.ActionDownload)
		}

		return act(models.ActionDeleteLocal)
	default:
		return act(models.ActionNone)
	}
}

// Resolve returns a copy of rec carrying the chosen resolution. The
// conflict itself stays recorded until the next run enforces the choice.
// The input is never modified, so a resolution applied from a control
// surface cannot race with a run reading the same record.
func Resolve(rec models.ResourceSyncRecord, resolution models.Resolution) (models.ResourceSyncRecord, error) {
	if !rec.InConflict() {
		return rec, fmt.Errorf("%w: %s", errs.ErrNotConflicted, rec.RemotePath)
	}

	switch resolution {
	case models.ResolutionPreferLocal, models.ResolutionPreferRemote:
	default:
		return rec, fmt.Errorf("%w: %s", errs.ErrInvalidResolution, resolution)
	}

	out := rec
	out.ConflictResolution = resolution
	out.LastError = ""

	return out, nil
}

// clearConflict returns rec with conflict bookkeeping reset after the
// resolution has been enforced.
func clearConflict(rec models.ResourceSyncRecord) models.ResourceSyncRecord {
	rec.ConflictType = models.ConflictNone
	rec.ConflictResolution = models.ResolutionUnresolved

	return rec
}
