package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// retry runs op until it succeeds or the retry budget is spent. An exhausted
// budget means the graph store is unavailable.
func (p *Pipeline) retry(ctx context.Context, what string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = p.retryBudget

	wrapped := func() error {
		err := op()
		if errors.Is(err, domain.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("graph write failed, retrying", "write", what, "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(wrapped, backoff.WithContext(policy, ctx), notify)
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return fmt.Errorf("write %s: %w", what, perm.Err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: write %s: %w", domain.ErrGraphStoreUnavailable, what, err)
}

// persistBlock records a block's signals and its address graph. Every write
// is an upsert, so a retried block converges to the same state.
func (p *Pipeline) persistBlock(ctx context.Context, block *domain.Block, signals []*domain.MEVSignal) error {
	for _, s := range signals {
		if _, err := p.Store.SaveSignal(ctx, s); err != nil {
			return fmt.Errorf("save signal %s: %w", s.ID, err)
		}
		if err := p.Store.UpsertNode(ctx, signalNode(s)); err != nil {
			return err
		}
		for _, addr := range s.Participants {
			if err := p.upsertAddress(ctx, addr); err != nil {
				return err
			}
			if err := p.Store.UpsertEdge(ctx, &domain.Edge{
				From:       addr,
				To:         s.ID,
				Kind:       domain.EdgeMEVParticipant,
				Properties: map[string]any{"block": s.BlockNumber},
			}); err != nil {
				return err
			}
		}
		if s.Victim != "" {
			if err := p.upsertAddress(ctx, s.Victim); err != nil {
				return err
			}
			if err := p.Store.UpsertEdge(ctx, &domain.Edge{
				From:       s.Victim,
				To:         s.ID,
				Kind:       domain.EdgeMEVVictim,
				Properties: map[string]any{"block": s.BlockNumber},
			}); err != nil {
				return err
			}
		}
	}

	for _, t := range transfers(block) {
		if err := p.upsertAddress(ctx, t.from); err != nil {
			return err
		}
		if err := p.upsertAddress(ctx, t.to); err != nil {
			return err
		}
		if err := p.Store.UpsertEdge(ctx, &domain.Edge{
			From: t.from,
			To:   t.to,
			Kind: domain.EdgeTransferredTo,
			Properties: map[string]any{
				"lastBlock": block.Number,
				"count":     t.count,
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) upsertAddress(ctx context.Context, addr string) error {
	return p.Store.UpsertNode(ctx, &domain.Node{ID: addr, Kind: domain.NodeAddress})
}

type transfer struct {
	from, to string
	count    int
}

// transfers collapses a block's value transfers to one edge per pair.
func transfers(block *domain.Block) []transfer {
	index := make(map[[2]string]int)
	var out []transfer
	for _, tx := range block.Transactions {
		if tx.From == "" || tx.To == "" || tx.From == tx.To || !tx.Value.IsPositive() || tx.Failed {
			continue
		}
		key := [2]string{tx.From, tx.To}
		if i, ok := index[key]; ok {
			out[i].count++
			continue
		}
		index[key] = len(out)
		out = append(out, transfer{from: tx.From, to: tx.To, count: 1})
	}
	return out
}

func signalNode(s *domain.MEVSignal) *domain.Node {
	return &domain.Node{
		ID:   s.ID,
		Kind: domain.NodeMEVSignal,
		Properties: map[string]any{
			"type":       string(s.Type),
			"block":      s.BlockNumber,
			"confidence": s.Confidence,
			"target":     s.TargetTxHash,
			"profit":     s.ProfitEstimate.String(),
		},
	}
}

// persistEntities writes changed entities and their MEMBER_OF edges.
func (p *Pipeline) persistEntities(ctx context.Context, changed []*domain.Entity) error {
	for _, e := range changed {
		if err := p.Store.UpsertNode(ctx, entityNode(e)); err != nil {
			return err
		}
		for _, m := range e.Members {
			if err := p.upsertAddress(ctx, m); err != nil {
				return err
			}
			if err := p.Store.UpsertEdge(ctx, &domain.Edge{
				From:       m,
				To:         e.ID,
				Kind:       domain.EdgeMemberOf,
				Properties: map[string]any{"version": e.Version},
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func entityNode(e *domain.Entity) *domain.Node {
	return &domain.Node{
		ID:   e.ID,
		Kind: domain.NodeEntity,
		Properties: map[string]any{
			"members":    e.Members,
			"confidence": e.Confidence,
			"version":    e.Version,
			"createdAt":  e.CreatedAt.UTC().Format(time.RFC3339Nano),
			"updatedAt":  e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// LoadEntities rebuilds entities from their graph nodes.
func LoadEntities(ctx context.Context, graph domain.GraphStore) ([]*domain.Entity, error) {
	nodes, err := graph.ListNodes(ctx, domain.NodeEntity)
	if err != nil {
		return nil, fmt.Errorf("list entity nodes: %w", err)
	}

	out := make([]*domain.Entity, 0, len(nodes))
	for _, n := range nodes {
		e, err := nodeEntity(n)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func nodeEntity(n *domain.Node) (*domain.Entity, error) {
	props := n.Properties
	members, err := cast.ToStringSliceE(props["members"])
	if err != nil || len(members) == 0 {
		return nil, fmt.Errorf("%w: entity node %s has no members", domain.ErrInvalidInput, n.ID)
	}
	e := &domain.Entity{
		ID:         n.ID,
		Members:    members,
		Confidence: cast.ToFloat64(props["confidence"]),
		Version:    cast.ToInt64(props["version"]),
		CreatedAt:  cast.ToTime(props["createdAt"]),
		UpdatedAt:  cast.ToTime(props["updatedAt"]),
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = n.UpdatedAt
	}
	return e, nil
}

// publish sends v as JSON when a bus is attached. Publishing is best effort.
func (p *Pipeline) publish(ctx context.Context, topic string, v any) {
	if p.Bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := p.Bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

func blockAttr(n uint64) attribute.KeyValue {
	return attribute.Int64("block.number", int64(n))
}

func epochAttrs(ep *epochWindow) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("epoch.id", int64(ep.id)),
		attribute.Int64("epoch.last_block", int64(ep.last)),
		attribute.Int("epoch.blocks", ep.blocks),
		attribute.Int("epoch.transactions", len(ep.txs)),
	}
}
