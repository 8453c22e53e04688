// Package policy implements the zero-trust policy decision point: network
// segments, access policies with typed conditions, deterministic risk
// scoring, and specificity-ranked policy evaluation.
package policy

import (
	"encoding/json"
	"fmt"
	"time"
)

// TrustLevel orders network segments from untrusted to critical.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustLow
	TrustMedium
	TrustHigh
	TrustCritical
)

var trustNames = map[TrustLevel]string{
	TrustUntrusted: "untrusted",
	TrustLow:       "low",
	TrustMedium:    "medium",
	TrustHigh:      "high",
	TrustCritical:  "critical",
}

func (t TrustLevel) String() string {
	if name, ok := trustNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON emits the lowercase level name.
func (t TrustLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses a lowercase level name.
func (t *TrustLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for level, name := range trustNames {
		if name == s {
			*t = level
			return nil
		}
	}
	return fmt.Errorf("unknown trust level %q", s)
}

// Segment is a named network segment with a trust level and member services.
// Segments are static: loaded once at startup and never mutated.
type Segment struct {
	ID       string     `json:"id"`
	Trust    TrustLevel `json:"trust"`
	Services []string   `json:"services"`
}

// HasService reports whether the named service belongs to this segment.
func (s *Segment) HasService(name string) bool {
	for _, svc := range s.Services {
		if svc == name {
			return true
		}
	}
	return false
}

// Action is the effect a matched policy prescribes.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionDeny  Action = "DENY"
	// ActionLog marks an audit-only rule: traffic is allowed but the
	// decision carries a mandatory audit annotation.
	ActionLog Action = "LOG"
)

// Wildcard matches any segment on the source or destination side.
const Wildcard = "any"

// Policy is a single access rule between two segments.
type Policy struct {
	ID          string      `json:"id"`
	Source      string      `json:"source"`      // segment ID or Wildcard
	Destination string      `json:"destination"` // segment ID or Wildcard
	Protocol    string      `json:"protocol,omitempty"`
	Port        int         `json:"port,omitempty"`
	Action      Action      `json:"action"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Enabled     bool        `json:"enabled"`

	// index is the registration order, used as the deterministic tiebreaker
	// between policies of equal specificity (first registered wins).
	index int
}

// Specificity ranks how narrowly a policy targets a request: explicit
// source and destination each count 10, each condition counts 5.
func (p *Policy) Specificity() int {
	score := 0
	if p.Source != Wildcard {
		score += 10
	}
	if p.Destination != Wildcard {
		score += 10
	}
	return score + 5*len(p.Conditions)
}

// DeviceContext describes the requesting device.
type DeviceContext struct {
	TrustScore int    `json:"trustScore"` // 0-100
	Compliance string `json:"compliance"` // "compliant", "non_compliant", "unknown"
}

// RequestContext describes the network context of a request.
type RequestContext struct {
	NetworkType string  `json:"networkType"` // "corporate", "vpn", "public", "unknown"
	Location    string  `json:"location"`
	RiskScore   float64 `json:"riskScore"` // upstream-supplied contextual risk, 0-100
}

// AccessRequest is a single request for access to a resource.
type AccessRequest struct {
	ID                 string         `json:"id"`
	Subject            string         `json:"subject"`
	Role               string         `json:"role"`
	SourceService      string         `json:"sourceService"`
	DestinationService string         `json:"destinationService"`
	Resource           string         `json:"resource"`
	Operation          string         `json:"operation"`
	Protocol           string         `json:"protocol,omitempty"`
	Port               int            `json:"port,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	Device             DeviceContext  `json:"device"`
	Context            RequestContext `json:"context"`
}

// Verdict is the final effect of an access decision.
type Verdict string

const (
	VerdictAllow       Verdict = "ALLOW"
	VerdictDeny        Verdict = "DENY"
	VerdictConditional Verdict = "CONDITIONAL"
)

// Step-up and mandatory conditions attached to decisions.
const (
	ConditionMFA               = "mfa_verification"
	ConditionManagerApproval   = "manager_approval"
	ConditionAuditLogging      = "audit_logging"
	ConditionSessionMonitoring = "session_monitoring"
)

// conditionalValidity is how long an escalated CONDITIONAL decision is
// honored before the step-up must be re-evaluated.
const conditionalValidity = 15 * time.Minute

// Decision is the evaluator's verdict for one access request.
type Decision struct {
	RequestID     string     `json:"requestId"`
	Verdict       Verdict    `json:"verdict"`
	Reason        string     `json:"reason"`
	PolicyID      string     `json:"policyId,omitempty"`
	Conditions    []string   `json:"conditions,omitempty"`
	RiskScore     float64    `json:"riskScore"`
	AuditRequired bool       `json:"auditRequired,omitempty"`
	DecidedAt     time.Time  `json:"decidedAt"`
	ValidUntil    *time.Time `json:"validUntil,omitempty"`
}

// Allowed reports whether the decision permits access (possibly with
// conditions attached).
func (d *Decision) Allowed() bool {
	return d.Verdict == VerdictAllow || d.Verdict == VerdictConditional
}
