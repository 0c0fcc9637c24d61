// Package idr runs the identity-resolution pipeline: ordered match tries
// against external registries, auto-acceptance, rejection passes and resets,
// each executed as an independent, resumable stage sweep.
package idr

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/apihub/internal/model"
)

// GetTry returns the ledger entry for try, or nil when the entity has never
// been attempted with it. The pointer is only valid until the next AddTry.
func GetTry(e *model.Entity, try model.Try) *model.TryEntry {
	for i := range e.Tries {
		if e.Tries[i].Try == try {
			return &e.Tries[i]
		}
	}
	return nil
}

// AddTry appends a ledger entry for try. If one already exists it is
// returned unchanged, so re-running a stage never duplicates entries.
func AddTry(e *model.Entity, try model.Try, input model.MatchCriteria) *model.TryEntry {
	if entry := GetTry(e, try); entry != nil {
		return entry
	}
	e.Tries = append(e.Tries, model.TryEntry{
		Try:       try,
		Input:     input,
		CreatedAt: time.Now().UTC(),
	})
	return &e.Tries[len(e.Tries)-1]
}

// MarkOutcome records what the lookup returned. Successful entries are
// immutable.
func MarkOutcome(entry *model.TryEntry, out model.TryOutcome) {
	if entry == nil || entry.Success {
		return
	}
	entry.Outcome = &out
	entry.Error = ""
}

// MarkSuccess accepts key as the entity's resolved identifier. It is the
// only place that sets Resolved and Quality. Returns false without changes
// when the entity is already resolved.
func MarkSuccess(e *model.Entity, entry *model.TryEntry, key string, q model.Quality) bool {
	if e.IsResolved() || entry == nil {
		return false
	}
	entry.Success = true
	entry.Rejected = ""
	e.Resolved = &key
	e.Quality = &q
	return true
}

// Revoke reverts an accepted match. Only rejection passes call it: the
// entry keeps its outcome for audit, loses its success flag and records why.
func Revoke(e *model.Entity, entry *model.TryEntry, reason string) bool {
	if entry == nil || !entry.Success {
		return false
	}
	entry.Success = false
	entry.Rejected = reason
	e.Resolved = nil
	e.Quality = nil
	return true
}

// SuccessfulTry returns the entry that resolved the entity, if any.
func SuccessfulTry(e *model.Entity) *model.TryEntry {
	for i := range e.Tries {
		if e.Tries[i].Success {
			return &e.Tries[i]
		}
	}
	return nil
}

// CheckInvariant verifies resolved != nil <=> quality != nil <=> exactly one
// successful ledger entry, and at most one entry per try.
func CheckInvariant(e *model.Entity) error {
	seen := make(map[model.Try]bool, len(e.Tries))
	successes := 0
	for _, t := range e.Tries {
		if seen[t.Try] {
			return eris.Errorf("idr: entity %d has duplicate ledger entries for %s", e.ID, t.Try)
		}
		seen[t.Try] = true
		if t.Success {
			successes++
		}
	}
	if successes > 1 {
		return eris.Errorf("idr: entity %d has %d successful tries", e.ID, successes)
	}
	resolved := e.Resolved != nil
	if resolved != (e.Quality != nil) || resolved != (successes == 1) {
		return eris.Errorf("idr: entity %d inconsistent: resolved=%t quality=%t successes=%d",
			e.ID, resolved, e.Quality != nil, successes)
	}
	return nil
}
