package models

import "time"

// DedupGroup is a cluster of records judged to describe the same work.
// Invariants: a live group has at least two member ids and never two ids
// from the same source. A deleted group keeps an empty id list.
type DedupGroup struct {
	ID        string    `json:"id" db:"id"`
	IDs       []string  `json:"ids" db:"ids"`
	Deleted   bool      `json:"deleted" db:"deleted"`
	ChangedAt time.Time `json:"changed_at" db:"changed_at"`
}

// Contains reports whether the group currently lists the given record id
func (g *DedupGroup) Contains(id string) bool {
	for _, member := range g.IDs {
		if member == id {
			return true
		}
	}
	return false
}

// Remove drops a record id from the group's member list
func (g *DedupGroup) Remove(id string) {
	members := g.IDs[:0]
	for _, member := range g.IDs {
		if member != id {
			members = append(members, member)
		}
	}
	g.IDs = members
}

// AsDocument converts the group to a generic document for filter evaluation
func (g *DedupGroup) AsDocument() map[string]any {
	return map[string]any{
		"id":         g.ID,
		"ids":        g.IDs,
		"deleted":    g.Deleted,
		"changed_at": g.ChangedAt,
	}
}
