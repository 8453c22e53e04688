package policy

import (
	"context"
	"sort"
	"time"

	"github.com/privacore/privgate/internal/logging"
)

// riskEscalationThreshold is the risk score above which a raw ALLOW is
// escalated to CONDITIONAL with step-up requirements.
const riskEscalationThreshold = 70

// Evaluator matches access requests against the policy store.
// Evaluation is pure with respect to shared state and safe for concurrent
// use: the store is immutable after load.
type Evaluator struct {
	store *Store
	now   func() time.Time
}

// NewEvaluator creates an evaluator over an immutable store.
func NewEvaluator(store *Store) *Evaluator {
	return &Evaluator{store: store, now: time.Now}
}

// WithClock overrides the evaluation clock, for tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate produces an access decision for a single request.
//
// Candidate policies are ranked by descending specificity; equal
// specificity is broken by registration order, first registered wins. The
// ordering is deterministic by construction — the tiebreaker is an explicit
// insertion index, never incidental collection order.
func (e *Evaluator) Evaluate(ctx context.Context, req *AccessRequest) *Decision {
	now := e.now()
	risk := RiskScore(req, now)

	var candidates []*Policy
	for _, p := range e.store.Policies() {
		if e.matches(p, req, now) {
			candidates = append(candidates, p)
		}
	}

	decision := &Decision{
		RequestID: req.ID,
		RiskScore: risk,
		DecidedAt: now,
	}

	if len(candidates) == 0 {
		// Unreachable when the store holds the wildcard sentinel, but the
		// fallback stays: no match can never mean allow.
		decision.Verdict = VerdictDeny
		decision.Reason = "default-deny: no matching policy"
		return decision
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i].Specificity(), candidates[j].Specificity()
		if si != sj {
			return si > sj
		}
		return candidates[i].index < candidates[j].index
	})
	matched := candidates[0]
	decision.PolicyID = matched.ID

	switch matched.Action {
	case ActionDeny:
		decision.Verdict = VerdictDeny
		if matched.ID == sentinelID {
			decision.Reason = "default-deny: wildcard policy"
		} else {
			decision.Reason = "denied by policy " + matched.ID
		}
		return decision
	case ActionLog:
		decision.Verdict = VerdictAllow
		decision.Reason = "allowed by audit-only policy " + matched.ID
		decision.AuditRequired = true
	default:
		decision.Verdict = VerdictAllow
		decision.Reason = "allowed by policy " + matched.ID
	}

	if risk > riskEscalationThreshold {
		decision.Verdict = VerdictConditional
		decision.Reason = "high risk: step-up verification required"
		decision.Conditions = append(decision.Conditions, ConditionMFA, ConditionManagerApproval)
		until := now.Add(conditionalValidity)
		decision.ValidUntil = &until
	}

	if decision.Verdict == VerdictAllow && e.destinationCritical(matched, req) {
		decision.Conditions = append(decision.Conditions, ConditionAuditLogging, ConditionSessionMonitoring)
	}

	logging.L(ctx).Debug("policy evaluated",
		"request_id", req.ID,
		"policy_id", matched.ID,
		"verdict", string(decision.Verdict),
		"risk", risk,
	)
	return decision
}

// matches reports whether a policy applies to a request: the policy is
// enabled, both endpoints match (wildcard or segment membership) and every
// condition holds.
func (e *Evaluator) matches(p *Policy, req *AccessRequest, now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if !e.endpointMatches(p.Source, req.SourceService) {
		return false
	}
	if !e.endpointMatches(p.Destination, req.DestinationService) {
		return false
	}
	if p.Protocol != "" && p.Protocol != Wildcard && p.Protocol != req.Protocol {
		return false
	}
	if p.Port != 0 && p.Port != req.Port {
		return false
	}
	for i := range p.Conditions {
		if !p.Conditions[i].Evaluate(req, now) {
			return false
		}
	}
	return true
}

func (e *Evaluator) endpointMatches(segmentID, service string) bool {
	if segmentID == Wildcard {
		return true
	}
	seg, ok := e.store.Segment(segmentID)
	return ok && seg.HasService(service)
}

// destinationCritical reports whether the request lands in a critical-trust
// segment: the policy's explicit destination if set, otherwise the segment
// the destination service belongs to.
func (e *Evaluator) destinationCritical(p *Policy, req *AccessRequest) bool {
	if p.Destination != Wildcard {
		seg, ok := e.store.Segment(p.Destination)
		return ok && seg.Trust == TrustCritical
	}
	seg, ok := e.store.SegmentForService(req.DestinationService)
	return ok && seg.Trust == TrustCritical
}
