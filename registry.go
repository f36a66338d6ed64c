package pos

import (
	"fmt"
	"sync"
)

// TenderRegistry keeps the tenders a terminal offers, in registration order.
type TenderRegistry struct {
	mu      sync.RWMutex
	tenders map[string]Tender
	order   []string
}

// NewTenderRegistry registers the given tenders.
func NewTenderRegistry(tenders ...Tender) (*TenderRegistry, error) {
	r := &TenderRegistry{tenders: make(map[string]Tender)}
	for _, t := range tenders {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tender. Ids must be unique.
func (r *TenderRegistry) Register(t Tender) error {
	if t == nil || t.ID() == "" {
		return fmt.Errorf("registry: register: tender id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenders[t.ID()]; ok {
		return fmt.Errorf("registry: register: tender %q already registered", t.ID())
	}
	r.tenders[t.ID()] = t
	r.order = append(r.order, t.ID())
	return nil
}

// Get looks a tender up by id.
func (r *TenderRegistry) Get(id string) (Tender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenders[id]
	return t, ok
}

// List returns the tenders in registration order.
func (r *TenderRegistry) List() []Tender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tender, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tenders[id])
	}
	return out
}
