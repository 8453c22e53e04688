package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrInvalidConfig is returned for malformed segment or policy data at load.
// Configuration errors are fatal: the engine must fail fast at startup
// rather than run with a policy set it cannot fully honor.
var ErrInvalidConfig = errors.New("invalid policy configuration")

// Document is the on-disk shape of the segment and policy registry.
type Document struct {
	Segments []Segment `json:"segments"`
	Policies []Policy  `json:"policies"`
}

// sentinelID names the built-in wildcard deny policy that guarantees every
// evaluation resolves to exactly one authoritative action.
const sentinelID = "default-deny-all"

// Store is the immutable-after-load registry of segments and policies.
type Store struct {
	segments  map[string]*Segment
	byService map[string]*Segment
	policies  []*Policy
}

// NewStore validates a document and builds the registry. If the document
// lacks a wildcard deny sentinel, one is appended; appending a deny rule is
// restrictive, so this never silently defaults to permissive behavior.
func NewStore(doc *Document) (*Store, error) {
	if doc == nil || (len(doc.Segments) == 0 && len(doc.Policies) == 0) {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidConfig)
	}

	s := &Store{
		segments:  make(map[string]*Segment, len(doc.Segments)),
		byService: make(map[string]*Segment),
	}

	for i := range doc.Segments {
		seg := doc.Segments[i]
		if seg.ID == "" {
			return nil, fmt.Errorf("%w: segment %d has no id", ErrInvalidConfig, i)
		}
		if _, dup := s.segments[seg.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate segment %q", ErrInvalidConfig, seg.ID)
		}
		s.segments[seg.ID] = &seg
		for _, svc := range seg.Services {
			if other, ok := s.byService[svc]; ok {
				return nil, fmt.Errorf("%w: service %q in both %q and %q",
					ErrInvalidConfig, svc, other.ID, seg.ID)
			}
			s.byService[svc] = &seg
		}
	}

	seen := make(map[string]bool, len(doc.Policies))
	hasSentinel := false
	for i := range doc.Policies {
		p := doc.Policies[i]
		if p.ID == "" {
			return nil, fmt.Errorf("%w: policy %d has no id", ErrInvalidConfig, i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate policy %q", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = true
		if err := s.validatePolicy(&p); err != nil {
			return nil, err
		}
		if p.Source == Wildcard && p.Destination == Wildcard && p.Action == ActionDeny {
			hasSentinel = true
		}
		p.index = len(s.policies)
		s.policies = append(s.policies, &p)
	}

	if !hasSentinel {
		s.policies = append(s.policies, &Policy{
			ID:          sentinelID,
			Source:      Wildcard,
			Destination: Wildcard,
			Action:      ActionDeny,
			Enabled:     true,
			index:       len(s.policies),
		})
	}

	return s, nil
}

func (s *Store) validatePolicy(p *Policy) error {
	for _, ref := range []string{p.Source, p.Destination} {
		if ref != Wildcard {
			if _, ok := s.segments[ref]; !ok {
				return fmt.Errorf("%w: policy %q references unknown segment %q",
					ErrInvalidConfig, p.ID, ref)
			}
		}
	}
	switch p.Action {
	case ActionAllow, ActionDeny, ActionLog:
	default:
		return fmt.Errorf("%w: policy %q has unknown action %q", ErrInvalidConfig, p.ID, p.Action)
	}
	for _, c := range p.Conditions {
		ops, ok := operatorsByType[c.Type]
		if !ok {
			return fmt.Errorf("%w: policy %q has unknown condition type %q",
				ErrInvalidConfig, p.ID, c.Type)
		}
		valid := false
		for _, op := range ops {
			if op == c.Operator {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("%w: policy %q: operator %q not valid for condition %q",
				ErrInvalidConfig, p.ID, c.Operator, c.Type)
		}
		if len(c.Value) == 0 {
			return fmt.Errorf("%w: policy %q has condition %q with no value",
				ErrInvalidConfig, p.ID, c.Type)
		}
	}
	return nil
}

// LoadStore reads and validates a policy document from a JSON file.
func LoadStore(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()
	return ReadStore(f)
}

// ReadStore decodes and validates a policy document from a reader.
func ReadStore(r io.Reader) (*Store, error) {
	var doc Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return NewStore(&doc)
}

// Segment returns a segment by ID.
func (s *Store) Segment(id string) (*Segment, bool) {
	seg, ok := s.segments[id]
	return seg, ok
}

// SegmentForService returns the segment a service belongs to.
func (s *Store) SegmentForService(name string) (*Segment, bool) {
	seg, ok := s.byService[name]
	return seg, ok
}

// Policies returns the registered policies in registration order. Callers
// must not mutate the returned slice.
func (s *Store) Policies() []*Policy {
	return s.policies
}

// Len returns the number of registered policies, sentinel included.
func (s *Store) Len() int {
	return len(s.policies)
}
