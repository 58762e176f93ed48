package memdev

import "fmt"

// Mandatory slot names.
const (
	SlotSBM        = "sbm"
	SlotAppStatus  = "app_status"
	SlotExec       = "exec"
	UpdateSlotBase = "update"
)

// Registry holds the mandatory slots plus the ordered, stable-indexed set
// of update[i] staging slots. Slot identity (the integer ID) is exposed
// through the secure API and must remain stable across a boot session.
type Registry struct {
	SBM        *Slot
	AppStatus  *Slot
	Exec       *Slot
	UpdateSlots []*Slot // ordered; index == stable secure-API slot id

	byID map[int]*Slot
}

// NewRegistry builds an empty registry. Callers populate SBM/AppStatus/Exec
// and append to UpdateSlots, then call Finalize to build the id index.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int]*Slot)}
}

// Finalize indexes every registered slot by ID. Call once after all slots
// are assigned.
func (r *Registry) Finalize() error {
	r.byID = make(map[int]*Slot)
	add := func(s *Slot) error {
		if s == nil {
			return nil
		}
		if _, dup := r.byID[s.ID]; dup {
			return fmt.Errorf("memdev: duplicate slot id %d", s.ID)
		}
		r.byID[s.ID] = s
		return nil
	}
	if err := add(r.SBM); err != nil {
		return err
	}
	if err := add(r.AppStatus); err != nil {
		return err
	}
	if err := add(r.Exec); err != nil {
		return err
	}
	for _, u := range r.UpdateSlots {
		if err := add(u); err != nil {
			return err
		}
	}
	return nil
}

// BySlotID looks up any registered slot (mandatory or update[i]) by its
// stable integer id.
func (r *Registry) BySlotID(id int) (*Slot, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// UpdateSlotByID returns the update slot whose stable id is id.
func (r *Registry) UpdateSlotByID(id int) (*Slot, bool) {
	for _, u := range r.UpdateSlots {
		if u.ID == id {
			return u, true
		}
	}
	return nil, false
}
