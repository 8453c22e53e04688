package policy

import (
	"log/slog"
	"strings"
	"time"
)

// ConditionType identifies what attribute of the request a condition tests.
type ConditionType string

const (
	ConditionUserRole           ConditionType = "user_role"
	ConditionDeviceTrust        ConditionType = "device_trust"
	ConditionTime               ConditionType = "time"
	ConditionLocation           ConditionType = "location"
	ConditionDataClassification ConditionType = "data_classification"
)

// Operator is the comparison a condition applies.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpInRange   Operator = "in_range"
	OpContains  Operator = "contains"
)

// operatorsByType is the comparator set each condition type accepts.
var operatorsByType = map[ConditionType][]Operator{
	ConditionUserRole:           {OpEquals, OpNotEquals, OpContains},
	ConditionDeviceTrust:        {OpEquals, OpNotEquals, OpContains},
	ConditionTime:               {OpInRange},
	ConditionLocation:           {OpEquals, OpNotEquals, OpContains},
	ConditionDataClassification: {OpEquals, OpNotEquals},
}

// Condition is one typed predicate on a policy. Value holds one or more
// operands: a single value for equals/not_equals, a membership list for
// contains, and a [start, end] pair for in_range.
type Condition struct {
	Type     ConditionType `json:"type"`
	Operator Operator      `json:"operator"`
	Value    []string      `json:"value"`
}

// Evaluate tests the condition against a request at the given evaluation
// time. Unknown types and operators evaluate false: a condition that cannot
// be understood must never widen access.
func (c *Condition) Evaluate(req *AccessRequest, now time.Time) bool {
	switch c.Type {
	case ConditionUserRole:
		return c.compareString(req.Role)
	case ConditionDeviceTrust:
		return c.compareString(trustBucket(req.Device.TrustScore))
	case ConditionTime:
		return c.evaluateTime(now)
	case ConditionLocation:
		return c.compareString(req.Context.Location)
	case ConditionDataClassification:
		return c.compareString(classifyResource(req.Resource))
	default:
		slog.Warn("unknown condition type", "type", string(c.Type))
		return false
	}
}

func (c *Condition) compareString(actual string) bool {
	switch c.Operator {
	case OpEquals:
		return len(c.Value) > 0 && actual == c.Value[0]
	case OpNotEquals:
		return len(c.Value) > 0 && actual != c.Value[0]
	case OpContains:
		for _, v := range c.Value {
			if v == actual {
				return true
			}
		}
		return false
	default:
		slog.Warn("unsupported operator for condition",
			"type", string(c.Type), "operator", string(c.Operator))
		return false
	}
}

// evaluateTime checks an in_range condition against the local evaluation
// time. Bounds are "HH:MM" strings; the range may wrap past midnight.
func (c *Condition) evaluateTime(now time.Time) bool {
	if c.Operator != OpInRange || len(c.Value) < 2 {
		return false
	}
	start, ok1 := parseMinutes(c.Value[0])
	end, ok2 := parseMinutes(c.Value[1])
	if !ok1 || !ok2 {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseMinutes(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, m := atoi(parts[0]), atoi(parts[1])
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func atoi(s string) int {
	n := 0
	if s == "" {
		return -1
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// trustBucket folds a numeric device trust score into the coarse buckets
// policies are written against.
func trustBucket(score int) string {
	switch {
	case score >= 90:
		return "high"
	case score >= 70:
		return "medium"
	case score >= 50:
		return "low"
	default:
		return "untrusted"
	}
}

// piiMarkers are resource-identifier substrings treated as signals of
// personally identifiable data.
var piiMarkers = []string{"student", "user", "profile", "grade", "email", "personal", "consent"}

// classifyResource infers a PII flag from the resource identifier. This is
// a substring heuristic, an approximation rather than a ground-truth
// classifier; policies that need certainty should gate on segments instead.
func classifyResource(resource string) string {
	lower := strings.ToLower(resource)
	for _, marker := range piiMarkers {
		if strings.Contains(lower, marker) {
			return "pii"
		}
	}
	return "non_pii"
}
