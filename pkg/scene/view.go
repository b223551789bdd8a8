package scene

import (
	"maps"
	"slices"

	"github.com/chazu/facet/pkg/awareness"
)

// Select highlights sel and returns the highlighted node names in
// document order. Names with no node are dropped. Applying the same
// selection again changes nothing.
func (r *Reconciler) Select(sel awareness.Selection) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changeLocked(func(st *ViewState) { st.Selection = maps.Clone(sel) })

	var out []string
	for _, name := range r.st.Order {
		if r.st.Nodes[name].Selected {
			out = append(out, name)
		}
	}
	return out
}

// Selection returns the selection last passed to Select.
func (r *Reconciler) Selection() awareness.Selection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.st.Selection)
}

// SetRemoteSelection records another client's selection.
func (r *Reconciler) SetRemoteSelection(client string, sel awareness.Selection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changeLocked(func(st *ViewState) {
		if len(sel) == 0 {
			delete(st.Remote, client)
			return
		}
		st.Remote[client] = maps.Clone(sel)
	})
}

// SetPointer shows another client's pointer. A nil pointer hides it.
func (r *Reconciler) SetPointer(client string, p *awareness.Pointer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pm, ok := r.st.Pointers[client]
	if p == nil {
		if ok && pm.Visible {
			pm.Visible = false
			r.surface.Pointer(client, pm.Position, false)
		}
		if ok {
			pm.Pointer.Parent = ""
		}
		return
	}
	if !ok {
		pm = &PointerMark{Client: client}
		r.st.Pointers[client] = pm
	}
	pm.Pointer = *p
	r.pointersLocked()
}

// RemoveClient forgets a disconnected client's pointer and selection.
func (r *Reconciler) RemoveClient(client string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pm, ok := r.st.Pointers[client]; ok {
		delete(r.st.Pointers, client)
		if pm.Visible {
			r.surface.Pointer(client, pm.Position, false)
		}
	}
	if _, ok := r.st.Remote[client]; ok {
		r.changeLocked(func(st *ViewState) { delete(st.Remote, client) })
	}
}

// SetExplode changes the exploded view and returns the names whose
// displacement or helpers changed. Disabling returns every node to its
// placement position.
func (r *Reconciler) SetExplode(e Explode) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changeLocked(func(st *ViewState) { st.Explode = e })
}

// SetClip changes the clip plane.
func (r *Reconciler) SetClip(c ClipPlane) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Normal.Length() > 0 {
		c.Normal = c.Normal.Normalize()
	}
	r.changeLocked(func(st *ViewState) { st.Clip = c })
}

// SetGesture marks a transform gesture in progress. While it is, Pick
// ignores edges.
func (r *Reconciler) SetGesture(active bool) {
	r.mu.Lock()
	r.st.Gesture = active
	r.mu.Unlock()
}

// Highlighted returns the selected node names in document order.
func (r *Reconciler) Highlighted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.DeleteFunc(slices.Clone(r.st.Order), func(name string) bool {
		return !r.st.Nodes[name].Selected
	})
}
