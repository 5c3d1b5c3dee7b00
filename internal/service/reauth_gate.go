package service

import "sync/atomic"

// ReauthGate pauses all upload delivery while the storage provider needs the
// user to reauthorize. It moves clear -> set on a NEED_REAUTH response and
// set -> clear only through an explicit reset. Each UploadQueue owns one, and
// the same gate is shared with whatever else must observe it.
type ReauthGate struct {
	required atomic.Bool
}

// NewReauthGate returns a cleared gate
func NewReauthGate() *ReauthGate {
	return &ReauthGate{}
}

// Set closes the gate and reports whether it was open before
func (g *ReauthGate) Set() bool {
	return g.required.CompareAndSwap(false, true)
}

// Clear opens the gate and reports whether it was closed before
func (g *ReauthGate) Clear() bool {
	return g.required.CompareAndSwap(true, false)
}

// Required reports whether uploads are paused
func (g *ReauthGate) Required() bool {
	return g.required.Load()
}
