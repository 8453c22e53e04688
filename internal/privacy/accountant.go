package privacy

import (
	"context"
	"fmt"

	"github.com/privacore/privgate/internal/logging"
	"github.com/privacore/privgate/internal/metrics"
)

// Query is one analytics request to privatize. Delta > 0 selects the
// Gaussian mechanism; Delta == 0 selects Laplace.
type Query struct {
	Entity          string    `json:"entity"`
	Type            QueryType `json:"type"`
	Epsilon         float64   `json:"epsilon"`
	Delta           float64   `json:"delta,omitempty"`
	MaxContribution float64   `json:"max_contribution,omitempty"`
	DatasetSize     int       `json:"dataset_size,omitempty"`
	Values          []float64 `json:"values"`
}

// PrivatizedResult is a noised query answer plus the guarantee it carries.
type PrivatizedResult struct {
	Entity      string    `json:"entity"`
	Values      []float64 `json:"values"`
	Epsilon     float64   `json:"epsilon"`
	Delta       float64   `json:"delta,omitempty"`
	Sensitivity float64   `json:"sensitivity"`
	Mechanism   string    `json:"mechanism"`
	Guarantee   string    `json:"guarantee"`
	Remaining   float64   `json:"budget_remaining"`
	Warning     bool      `json:"budget_warning,omitempty"`
}

// Accountant privatizes query results and charges the spend to the
// entity's ledger. Budget is consumed before noise is added, so a denied
// query never leaks even a noised answer.
type Accountant struct {
	ledger *Ledger
	pool   *NoisePool
}

// NewAccountant wires a ledger and a noise pool together.
func NewAccountant(ledger *Ledger, pool *NoisePool) *Accountant {
	return &Accountant{ledger: ledger, pool: pool}
}

// Ledger exposes the underlying budget ledger for handlers.
func (a *Accountant) Ledger() *Ledger { return a.ledger }

// Pool exposes the noise pool for the stats endpoint.
func (a *Accountant) Pool() *NoisePool { return a.pool }

// Apply validates the query, charges its (epsilon, delta) cost, and
// returns the values with mechanism noise added.
func (a *Accountant) Apply(ctx context.Context, q *Query) (*PrivatizedResult, error) {
	if err := a.validate(q); err != nil {
		metrics.PrivacyQueriesTotal.WithLabelValues(string(q.Type), "invalid").Inc()
		return nil, err
	}

	sens, err := Sensitivity(q.Type, q.MaxContribution, q.DatasetSize)
	if err != nil {
		metrics.PrivacyQueriesTotal.WithLabelValues(string(q.Type), "invalid").Inc()
		return nil, err
	}

	cr, err := a.ledger.Consume(ctx, q.Entity, Spend{Epsilon: q.Epsilon, Delta: q.Delta})
	if err != nil {
		metrics.PrivacyQueriesTotal.WithLabelValues(string(q.Type), "denied").Inc()
		return nil, err
	}

	res := &PrivatizedResult{
		Entity:      q.Entity,
		Values:      make([]float64, len(q.Values)),
		Epsilon:     q.Epsilon,
		Delta:       q.Delta,
		Sensitivity: sens,
		Remaining:   cr.Remaining,
		Warning:     cr.Warning,
	}

	if q.Delta > 0 {
		sigma := GaussianSigma(sens, q.Epsilon, q.Delta)
		for i, v := range q.Values {
			res.Values[i] = v + GaussianNoise(sigma)
		}
		res.Mechanism = "gaussian"
		res.Guarantee = fmt.Sprintf("(%g, %g)-differential privacy", q.Epsilon, q.Delta)
	} else {
		for i, v := range q.Values {
			res.Values[i] = v + a.laplace(sens, q.Epsilon)
		}
		res.Mechanism = "laplace"
		res.Guarantee = fmt.Sprintf("%g-differential privacy", q.Epsilon)
	}

	metrics.PrivacyQueriesTotal.WithLabelValues(string(q.Type), "ok").Inc()
	if cr.Warning {
		logging.L(ctx).Warn("privacy budget nearing threshold",
			"entity", q.Entity,
			"epsilon_used", cr.Budget.Epsilon,
			"remaining", cr.Remaining)
	}
	return res, nil
}

func (a *Accountant) laplace(sensitivity, epsilon float64) float64 {
	if a.pool != nil {
		return a.pool.Laplace(sensitivity, epsilon)
	}
	return LaplaceNoise(LaplaceScale(sensitivity, epsilon))
}

func (a *Accountant) validate(q *Query) error {
	if q.Entity == "" {
		return fmt.Errorf("%w: entity is required", ErrInvalidQuery)
	}
	if q.Epsilon <= 0 {
		return fmt.Errorf("%w: epsilon must be positive, got %g", ErrInvalidQuery, q.Epsilon)
	}
	if q.Delta < 0 || q.Delta >= 1 {
		return fmt.Errorf("%w: delta must be in [0, 1), got %g", ErrInvalidQuery, q.Delta)
	}
	if len(q.Values) == 0 {
		return fmt.Errorf("%w: no values to privatize", ErrInvalidQuery)
	}
	if _, err := ParseQueryType(string(q.Type)); err != nil {
		return err
	}
	return nil
}
