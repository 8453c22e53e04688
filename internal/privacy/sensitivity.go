package privacy

import (
	"fmt"
	"sync"
)

// QueryType classifies an analytics query for sensitivity purposes.
type QueryType string

const (
	QueryCount     QueryType = "count"
	QuerySum       QueryType = "sum"
	QueryAverage   QueryType = "average"
	QueryHistogram QueryType = "histogram"
	QueryQuantile  QueryType = "quantile"
)

// DefaultMaxContribution bounds a single record's contribution to
// sum-like queries when the caller does not supply its own clip bound.
const DefaultMaxContribution = 100.0

// ParseQueryType validates a wire-format query type string.
func ParseQueryType(s string) (QueryType, error) {
	switch QueryType(s) {
	case QueryCount, QuerySum, QueryAverage, QueryHistogram, QueryQuantile:
		return QueryType(s), nil
	}
	return "", fmt.Errorf("%w: unknown query type %q", ErrInvalidQuery, s)
}

// sensitivityCache memoizes computed sensitivities keyed by the query
// signature. Signatures repeat heavily in practice (dashboards re-issue
// the same shaped query), so this is a plain sync.Map with no eviction.
var sensitivityCache sync.Map

// Sensitivity returns the L1 sensitivity of a query. Counting queries move
// by at most 1 when one record changes; sum-like queries move by the clip
// bound; averages by the clip bound spread over the dataset.
func Sensitivity(qt QueryType, maxContribution float64, datasetSize int) (float64, error) {
	if maxContribution <= 0 {
		maxContribution = DefaultMaxContribution
	}
	key := fmt.Sprintf("%s|%g|%d", qt, maxContribution, datasetSize)
	if v, ok := sensitivityCache.Load(key); ok {
		return v.(float64), nil
	}

	var s float64
	switch qt {
	case QueryCount, QueryHistogram:
		s = 1
	case QuerySum, QueryQuantile:
		s = maxContribution
	case QueryAverage:
		if datasetSize <= 0 {
			return 0, fmt.Errorf("%w: average query requires a positive dataset size", ErrInvalidQuery)
		}
		s = maxContribution / float64(datasetSize)
	default:
		return 0, fmt.Errorf("%w: unknown query type %q", ErrInvalidQuery, qt)
	}

	sensitivityCache.Store(key, s)
	return s, nil
}
