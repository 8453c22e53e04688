// Package engine orchestrates the decision pipeline: consent check, then
// policy evaluation, then (for analytics operations) differentially-private
// query execution. Every internal failure degrades to a deny, never to an
// open door.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/privacore/privgate/internal/audit"
	"github.com/privacore/privgate/internal/consent"
	"github.com/privacore/privgate/internal/idgen"
	"github.com/privacore/privgate/internal/logging"
	"github.com/privacore/privgate/internal/metrics"
	"github.com/privacore/privgate/internal/policy"
	"github.com/privacore/privgate/internal/privacy"
	"github.com/privacore/privgate/internal/traces"
)

// ReasonCode classifies why the pipeline stopped short of a full allow.
type ReasonCode string

const (
	ReasonConsentDenied  ReasonCode = "consent_denied"
	ReasonPolicyDenied   ReasonCode = "policy_denied"
	ReasonBudgetExceeded ReasonCode = "budget_exceeded"
	ReasonInvalidQuery   ReasonCode = "invalid_query"
	ReasonInternalError  ReasonCode = "internal_error"
)

// Pipeline operation names used by the timing recorder.
const (
	opConsent = "consent_check"
	opPolicy  = "policy_evaluation"
	opPrivacy = "noise_application"
)

// Request is one unit of work for the pipeline: an access request, the
// purposes it processes data under, and an optional analytics query to
// privatize if access is granted.
type Request struct {
	Access   policy.AccessRequest `json:"access"`
	Purposes []string             `json:"purposes,omitempty"`
	Query    *privacy.Query       `json:"query,omitempty"`
}

// Result is the pipeline verdict. Exactly one is returned per request;
// failures are folded into a denying Result rather than surfaced as errors.
type Result struct {
	RequestID      string                    `json:"request_id"`
	Subject        string                    `json:"subject"`
	Allowed        bool                      `json:"allowed"`
	ReasonCode     ReasonCode                `json:"reason_code,omitempty"`
	ConsentGranted bool                      `json:"consent_granted"`
	Decision       *policy.Decision          `json:"decision,omitempty"`
	Analytics      *privacy.PrivatizedResult `json:"analytics,omitempty"`
	ElapsedMS      float64                   `json:"elapsed_ms"`
}

// Publisher receives finished decisions for streaming, outside the
// request path.
type Publisher interface {
	PublishDecision(*Result)
}

// Orchestrator wires the consent matrix, policy evaluator, and privacy
// accountant into one pipeline.
type Orchestrator struct {
	matrix     *consent.Matrix
	evaluator  *policy.Evaluator
	accountant *privacy.Accountant
	timings    *Recorder
	dispatcher *audit.Dispatcher
	publisher  Publisher
	now        func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithAudit attaches an audit dispatcher.
func WithAudit(d *audit.Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// WithPublisher attaches a decision event publisher.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(matrix *consent.Matrix, evaluator *policy.Evaluator, accountant *privacy.Accountant, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		matrix:     matrix,
		evaluator:  evaluator,
		accountant: accountant,
		timings:    NewRecorder(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Timings exposes the rolling recorder for the stats endpoint.
func (o *Orchestrator) Timings() *Recorder { return o.timings }

// Accountant exposes the privacy accountant for the stats endpoint.
func (o *Orchestrator) Accountant() *privacy.Accountant { return o.accountant }

// Matrix exposes the consent matrix for the stats endpoint.
func (o *Orchestrator) Matrix() *consent.Matrix { return o.matrix }

// Decide runs the full pipeline for one request.
func (o *Orchestrator) Decide(ctx context.Context, req *Request) *Result {
	start := o.now()
	if req.Access.ID == "" {
		req.Access.ID = idgen.WithPrefix("req_")
	}
	ctx, span := traces.StartSpan(ctx, "engine.decide",
		traces.Subject(req.Access.Subject),
		traces.Resource(req.Access.Resource))
	defer span.End()

	res := o.decide(ctx, req)
	if res.Decision != nil {
		span.SetAttributes(traces.Verdict(string(res.Decision.Verdict)))
	}
	res.ElapsedMS = float64(o.now().Sub(start)) / float64(time.Millisecond)

	o.publish(req, res)
	return res
}

func (o *Orchestrator) decide(ctx context.Context, req *Request) *Result {
	res := &Result{RequestID: req.Access.ID, Subject: req.Access.Subject}

	// Consent gate. A store failure denies: absence of a provable grant
	// is treated the same as an explicit refusal.
	mask, err := consent.BuildMask(req.Purposes)
	if err != nil {
		res.ReasonCode = ReasonInvalidQuery
		metrics.DecisionsTotal.WithLabelValues("deny", string(ReasonInvalidQuery)).Inc()
		return res
	}
	consentStart := o.now()
	granted, err := o.matrix.Check(ctx, req.Access.Subject, mask)
	o.timings.Observe(opConsent, o.now().Sub(consentStart))
	if err != nil {
		logging.L(ctx).Error("consent check failed", "subject", req.Access.Subject, "error", err)
		res.ReasonCode = ReasonInternalError
		metrics.DecisionsTotal.WithLabelValues("deny", string(ReasonInternalError)).Inc()
		return res
	}
	res.ConsentGranted = granted
	if !granted {
		res.ReasonCode = ReasonConsentDenied
		metrics.DecisionsTotal.WithLabelValues("deny", string(ReasonConsentDenied)).Inc()
		return res
	}

	// Policy gate.
	policyStart := o.now()
	decision := o.evaluator.Evaluate(ctx, &req.Access)
	o.timings.Observe(opPolicy, o.now().Sub(policyStart))
	res.Decision = decision
	if !decision.Allowed() {
		res.ReasonCode = ReasonPolicyDenied
		metrics.DecisionsTotal.WithLabelValues("deny", string(ReasonPolicyDenied)).Inc()
		return res
	}

	// Privacy gate, only for analytics operations.
	if req.Query != nil {
		q := *req.Query
		if q.Entity == "" {
			q.Entity = req.Access.Subject
		}
		noiseStart := o.now()
		priv, err := o.accountant.Apply(ctx, &q)
		o.timings.Observe(opPrivacy, o.now().Sub(noiseStart))
		if err != nil {
			switch {
			case errors.Is(err, privacy.ErrBudgetExceeded):
				res.ReasonCode = ReasonBudgetExceeded
			case errors.Is(err, privacy.ErrInvalidQuery):
				res.ReasonCode = ReasonInvalidQuery
			default:
				logging.L(ctx).Error("privatization failed", "entity", q.Entity, "error", err)
				res.ReasonCode = ReasonInternalError
			}
			metrics.DecisionsTotal.WithLabelValues("deny", string(res.ReasonCode)).Inc()
			return res
		}
		res.Analytics = priv
	}

	res.Allowed = true
	metrics.DecisionsTotal.WithLabelValues(verdictLabel(decision.Verdict), "").Inc()
	return res
}

// DecideBatch runs the pipeline for each request in order. Consent checks
// are warmed through BatchCheck first, so the per-item path hits cache.
func (o *Orchestrator) DecideBatch(ctx context.Context, reqs []*Request) []*Result {
	checks := make([]consent.CheckRequest, 0, len(reqs))
	for _, r := range reqs {
		if mask, err := consent.BuildMask(r.Purposes); err == nil {
			checks = append(checks, consent.CheckRequest{Subject: r.Access.Subject, Mask: mask})
		}
	}
	o.matrix.BatchCheck(ctx, checks)

	out := make([]*Result, len(reqs))
	for i, r := range reqs {
		out[i] = o.Decide(ctx, r)
	}
	return out
}

// Stats is the engine performance snapshot served by /v1/engine/stats.
type Stats struct {
	Timings       map[string]OpTimings `json:"timings"`
	CacheHits     uint64               `json:"consent_cache_hits"`
	CacheMisses   uint64               `json:"consent_cache_misses"`
	CacheHitRate  float64              `json:"consent_cache_hit_rate"`
	CacheSize     int                  `json:"consent_cache_size"`
	ActiveBudgets int                  `json:"active_budgets"`
	AuditDropped  uint64               `json:"audit_dropped,omitempty"`
}

// Snapshot assembles the current performance stats.
func (o *Orchestrator) Snapshot(ctx context.Context) (*Stats, error) {
	hits, misses, size := o.matrix.CacheStats()
	s := &Stats{
		Timings:     o.timings.Snapshot(),
		CacheHits:   hits,
		CacheMisses: misses,
		CacheSize:   size,
	}
	if total := hits + misses; total > 0 {
		s.CacheHitRate = float64(hits) / float64(total)
	}
	n, err := o.accountant.Ledger().ActiveEntities(ctx)
	if err != nil {
		return nil, err
	}
	s.ActiveBudgets = n
	if o.dispatcher != nil {
		s.AuditDropped = o.dispatcher.Dropped()
	}
	return s, nil
}

func (o *Orchestrator) publish(req *Request, res *Result) {
	shouldAudit := !res.Allowed
	if res.Decision != nil && res.Decision.AuditRequired {
		shouldAudit = true
	}
	if o.dispatcher != nil && shouldAudit {
		e := audit.Event{
			RequestID: res.RequestID,
			Subject:   req.Access.Subject,
			Resource:  req.Access.Resource,
			Operation: req.Access.Operation,
			Verdict:   string(policy.VerdictDeny),
			Reason:    string(res.ReasonCode),
			At:        o.now(),
		}
		if d := res.Decision; d != nil {
			e.Verdict = string(d.Verdict)
			e.Reason = d.Reason
			e.PolicyID = d.PolicyID
			e.RiskScore = d.RiskScore
			e.Conditions = d.Conditions
		}
		o.dispatcher.Emit(e)
	}
	if o.publisher != nil {
		o.publisher.PublishDecision(res)
	}
}

func verdictLabel(v policy.Verdict) string {
	switch v {
	case policy.VerdictAllow:
		return "allow"
	case policy.VerdictConditional:
		return "conditional"
	default:
		return "deny"
	}
}
