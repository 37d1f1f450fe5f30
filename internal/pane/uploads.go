package pane

import "context"

type upload struct {
	cancel   context.CancelFunc
	progress float64
}

// uploads tracks in-flight attachments by correlation id. Owned by the pane loop.
type uploads map[string]*upload

func (u uploads) start(id string, cancel context.CancelFunc) {
	u[id] = &upload{cancel: cancel}
}

func (u uploads) set(id string, pct float64) bool {
	up, ok := u[id]
	if !ok {
		return false
	}
	up.progress = min(max(pct, 0), 100)
	return true
}

// finish forgets id and hands back its cancel func.
func (u uploads) finish(id string) (context.CancelFunc, bool) {
	up, ok := u[id]
	if !ok {
		return nil, false
	}
	delete(u, id)
	return up.cancel, true
}

func (u uploads) snapshot() map[string]float64 {
	out := make(map[string]float64, len(u))
	for id, up := range u {
		out[id] = up.progress
	}
	return out
}
