package domain

import (
	"slices"
	"time"
)

// Entity is a cluster of addresses believed to be controlled by one actor.
// Members only grow; Version increments on every accepted mutation.
type Entity struct {
	ID         string    `json:"id"`
	Members    []string  `json:"memberAddresses"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Version    int64     `json:"version"`
}

// HasMember reports whether address is a member. Members are kept sorted.
func (e *Entity) HasMember(address string) bool {
	_, found := slices.BinarySearch(e.Members, address)
	return found
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Members = slices.Clone(e.Members)
	return &c
}

// EntitySubject is the RiskScore subject for an entity.
func EntitySubject(entityID string) string {
	return "entity:" + entityID
}
