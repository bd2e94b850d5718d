package pipeline

import (
	"context"
	"log/slog"

	"github.com/alitto/pond/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

type scoreJob struct {
	subject string
	kind    domain.SubjectKind
	members []string
}

// schedule queues a rescoring of every address that has a snapshot, of the
// entities they belong to, and of the extra entities given. Submit blocks
// while the score queue is full.
func (p *Pipeline) schedule(ctx context.Context, pool pond.Pool, addresses []string, extra []*domain.Entity) error {
	var jobs []scoreJob
	seen := make(map[string]bool)
	add := func(job scoreJob) {
		if !seen[job.subject] {
			seen[job.subject] = true
			jobs = append(jobs, job)
		}
	}

	store := p.Resolver.Store()
	for _, addr := range addresses {
		if _, ok := p.Snapshot(addr); !ok {
			continue
		}
		add(scoreJob{subject: addr, kind: domain.SubjectAddress, members: []string{addr}})
		if e, ok := store.EntityOf(addr); ok {
			add(entityJob(e))
		}
	}
	for _, e := range extra {
		add(entityJob(e))
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		pool.Submit(func() { p.score(ctx, job) })
		p.Metrics.QueueDepth.WithLabelValues("score").Set(float64(pool.WaitingTasks()))
	}
	return nil
}

func entityJob(e *domain.Entity) scoreJob {
	return scoreJob{subject: domain.EntitySubject(e.ID), kind: domain.SubjectEntity, members: e.Members}
}

// score recomputes one subject and evaluates the alert rules against it.
func (p *Pipeline) score(ctx context.Context, job scoreJob) {
	in := p.input(ctx, job)

	score, err := p.Scores.Recompute(ctx, in)
	if err != nil && score == nil {
		slog.Error("risk computation failed", "subject", job.subject, "error", err)
		return
	}
	if err != nil {
		slog.Warn("risk score not persisted", "subject", job.subject, "version", score.Version, "error", err)
	}
	p.Metrics.RiskComputations.WithLabelValues(string(score.Method)).Inc()
	p.publish(ctx, domain.TopicRiskScore, score)

	alerts, err := p.Monitor.Check(ctx, job.subject, AlertMetrics(in, score))
	if err != nil {
		slog.Error("alert evaluation failed", "subject", job.subject, "error", err)
	}
	for _, a := range alerts {
		p.Metrics.AlertsTriggered.WithLabelValues(a.RuleID, string(a.Priority)).Inc()
	}
}

// input gathers the latest snapshot, signals and flags for a subject.
func (p *Pipeline) input(ctx context.Context, job scoreJob) *scoring.Input {
	in := &scoring.Input{
		Subject: job.subject,
		Kind:    job.kind,
		Members: job.members,
		Signals: p.Signals.For(job.members...),
	}

	switch job.kind {
	case domain.SubjectEntity:
		var snaps []*domain.AddressFeatureSnapshot
		for _, m := range job.members {
			if s, ok := p.Snapshot(m); ok {
				snaps = append(snaps, s)
			}
		}
		if len(snaps) > 0 {
			in.Snapshot = scoring.AggregateSnapshots(job.subject, snaps)
		}
		if p.Flags != nil {
			found := p.Flags.LookupMany(ctx, job.members)
			list := make([]*domain.AddressFlags, 0, len(found))
			for _, m := range job.members {
				list = append(list, found[m])
			}
			in.Flags = scoring.MergeFlags(job.subject, list)
		}
	default:
		if s, ok := p.Snapshot(job.subject); ok {
			in.Snapshot = s
		}
		if p.Flags != nil {
			f, err := p.Flags.Lookup(ctx, job.subject)
			if err != nil {
				slog.Debug("flag lookup failed", "address", job.subject, "error", err)
			}
			in.Flags = f
		}
	}
	return in
}

// AlertMetrics flattens a scored subject into the metric names the alert
// rules are written against.
func AlertMetrics(in *scoring.Input, score *domain.RiskScore) map[string]float64 {
	m := map[string]float64{
		rules.MetricRiskScore:      score.Value,
		rules.MetricGasVolatility:  score.Inputs.GasVolatility,
		rules.MetricMEVInvolvement: score.Inputs.MEVInvolvement,
		rules.MetricEntityMembers:  float64(len(in.Members)),
	}

	var sandwiches, liquidations int
	var profit float64
	for _, s := range in.Signals {
		extracted := false
		for _, member := range in.Members {
			if s.Involves(member) {
				extracted = true
				break
			}
		}
		if !extracted {
			continue
		}
		switch s.Type {
		case domain.MEVSandwich:
			sandwiches++
		case domain.MEVLiquidation:
			liquidations++
		}
		profit += s.ProfitEstimate.InexactFloat64()
	}
	m[rules.MetricSandwichCount] = float64(sandwiches)
	m[rules.MetricLiquidations] = float64(liquidations)
	m[rules.MetricMEVProfit] = profit

	if in.Snapshot != nil {
		m[rules.MetricTxCount] = float64(in.Snapshot.TxCount)
		m[rules.MetricFailureRate] = in.Snapshot.FailureRate()
		m[rules.MetricTotalVolume] = in.Snapshot.TotalVolume().InexactFloat64()
	}
	if in.Flags != nil {
		m[rules.MetricSanctioned] = 0
		if in.Flags.Sanctioned {
			m[rules.MetricSanctioned] = 1
		}
		m[rules.MetricWhaleScore] = in.Flags.WhaleScore
	}
	return m
}
