package domain

import (
	"context"
	"time"
)

// NodeKind classifies graph nodes.
type NodeKind string

const (
	NodeAddress   NodeKind = "address"
	NodeEntity    NodeKind = "entity"
	NodeMEVSignal NodeKind = "mev_signal"
)

// EdgeKind classifies graph edges.
type EdgeKind string

const (
	EdgeMemberOf       EdgeKind = "MEMBER_OF"
	EdgeMEVParticipant EdgeKind = "MEV_PARTICIPANT"
	EdgeMEVVictim      EdgeKind = "MEV_VICTIM"
	EdgeTransferredTo  EdgeKind = "TRANSFERRED_TO"
)

// Node is a vertex in the relationship graph.
type Node struct {
	ID         string         `json:"id"`
	Kind       NodeKind       `json:"kind"`
	Properties map[string]any `json:"properties,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Edge is a directed, typed relationship. (From, To, Kind) is unique.
type Edge struct {
	From       string         `json:"from"`
	To         string         `json:"to"`
	Kind       EdgeKind       `json:"kind"`
	Properties map[string]any `json:"properties,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Neighborhood is the result of a bounded breadth-first graph query.
type Neighborhood struct {
	Root  string  `json:"root"`
	Depth int     `json:"depth"`
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// GraphStore persists entities, member edges and MEV participant edges.
type GraphStore interface {
	UpsertNode(ctx context.Context, node *Node) error
	UpsertEdge(ctx context.Context, edge *Edge) error
	QueryNeighborhood(ctx context.Context, nodeID string, depth int) (*Neighborhood, error)
	ListNodes(ctx context.Context, kind NodeKind) ([]*Node, error)
}
