// Package consent tracks per-subject processing-purpose grants as bitmasks
// and answers purpose checks through a bounded TTL result cache.
package consent

import (
	"fmt"
	"strings"
)

// Purpose is a bitmask of granted processing purposes. Wrapping the integer
// in a named type keeps bare-int masks out of the API surface.
type Purpose uint16

const (
	// PurposeNecessary is implicitly granted to every subject and can never
	// be revoked.
	PurposeNecessary Purpose = 1 << iota
	PurposeAnalytics
	PurposeImprovement
	PurposeEducational
	PurposeResearch
	PurposeMarketing
	PurposeSharing
)

// PurposeAll unions every defined purpose.
const PurposeAll = PurposeNecessary | PurposeAnalytics | PurposeImprovement |
	PurposeEducational | PurposeResearch | PurposeMarketing | PurposeSharing

var purposeNames = []struct {
	bit  Purpose
	name string
}{
	{PurposeNecessary, "necessary"},
	{PurposeAnalytics, "analytics"},
	{PurposeImprovement, "improvement"},
	{PurposeEducational, "educational"},
	{PurposeResearch, "research"},
	{PurposeMarketing, "marketing"},
	{PurposeSharing, "sharing"},
}

// ParsePurpose maps a lowercase purpose name to its bit.
func ParsePurpose(name string) (Purpose, error) {
	for _, p := range purposeNames {
		if p.name == name {
			return p.bit, nil
		}
	}
	return 0, fmt.Errorf("unknown purpose %q", name)
}

// BuildMask combines purpose names into a mask. The necessary bit is ORed
// in unconditionally regardless of input.
func BuildMask(names []string) (Purpose, error) {
	mask := PurposeNecessary
	for _, name := range names {
		bit, err := ParsePurpose(name)
		if err != nil {
			return 0, err
		}
		mask |= bit
	}
	return mask, nil
}

// Has reports whether every bit of want is granted in p.
func (p Purpose) Has(want Purpose) bool {
	return p&want == want
}

// Names returns the granted purpose names in declaration order.
func (p Purpose) Names() []string {
	var names []string
	for _, entry := range purposeNames {
		if p&entry.bit != 0 {
			names = append(names, entry.name)
		}
	}
	return names
}

func (p Purpose) String() string {
	return strings.Join(p.Names(), "|")
}
