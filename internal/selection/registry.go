package selection

import (
	"fmt"
	"slices"
)

// Registry holds the mime types of offers the compositor has introduced
// but not yet resolved to a selection.
type Registry struct {
	offers map[OfferID][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{offers: make(map[OfferID][]string)}
}

// Add starts tracking a new offer.
func (r *Registry) Add(id OfferID) error {
	if _, ok := r.offers[id]; ok {
		return fmt.Errorf("offer %d: %w", id, ErrDuplicateOffer)
	}
	r.offers[id] = nil
	return nil
}

// Advertise records a mime type for id, keeping first-seen order.
func (r *Registry) Advertise(id OfferID, mime string) error {
	mimes, ok := r.offers[id]
	if !ok {
		return fmt.Errorf("offer %d: %w", id, ErrUnknownOffer)
	}
	if !slices.Contains(mimes, mime) {
		r.offers[id] = append(mimes, mime)
	}
	return nil
}

// Take removes id and returns its mime types. It fails for ids that were
// never added or were already taken.
func (r *Registry) Take(id OfferID) ([]string, error) {
	mimes, ok := r.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %d: %w", id, ErrUnknownOffer)
	}
	delete(r.offers, id)
	return mimes, nil
}

// Len returns the number of pending offers.
func (r *Registry) Len() int { return len(r.offers) }
