// Package reconcile drives desired ACL state from the versioned store onto
// the device: dirty tracking by version, manual and periodic triggers, and
// rate-limited pushes.
package reconcile

import (
	"fmt"
	"net/netip"

	"github.com/dataplaned/dataplaned/internal/acl"
)

// KindACL is the desired-state store kind for access-control lists.
const KindACL = "acl"

// DesiredRule is the stored JSON form of one ACL rule.
type DesiredRule struct {
	Priority uint32 `json:"priority"`
	Action   string `json:"action"`
	Src      string `json:"src"`
	Mac      string `json:"mac,omitempty"`
	MacMask  string `json:"mac_mask,omitempty"`
}

// DesiredACL is the stored desired state for one list.
type DesiredACL struct {
	Rules []DesiredRule `json:"rules"`
}

// Compile converts the stored form into device rule values.
func (d DesiredACL) Compile() ([]acl.Rule, error) {
	rules := make([]acl.Rule, 0, len(d.Rules))
	for _, dr := range d.Rules {
		r, err := dr.Rule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Rule converts one stored rule.
func (dr DesiredRule) Rule() (acl.Rule, error) {
	action, err := acl.ParseAction(dr.Action)
	if err != nil {
		return acl.Rule{}, fmt.Errorf("rule %d: %w", dr.Priority, err)
	}

	src, err := netip.ParsePrefix(dr.Src)
	if err != nil {
		return acl.Rule{}, fmt.Errorf("rule %d: src: %w", dr.Priority, err)
	}

	var mac, mask acl.MacAddr
	if dr.Mac != "" {
		if mac, err = acl.ParseMac(dr.Mac); err != nil {
			return acl.Rule{}, fmt.Errorf("rule %d: mac: %w", dr.Priority, err)
		}
	}
	if dr.MacMask != "" {
		if mask, err = acl.ParseMac(dr.MacMask); err != nil {
			return acl.Rule{}, fmt.Errorf("rule %d: mac_mask: %w", dr.Priority, err)
		}
	}

	return acl.Rule{
		Priority: dr.Priority,
		Action:   action,
		Src:      src,
		Mac:      mac,
		MacMask:  mask,
	}, nil
}

// Source is the desired-state feed for the reconciler. The sqlite-backed
// TypedStore[DesiredACL] satisfies it; tests use an in-memory fake.
type Source interface {
	GetDirty(lastVersions map[string]int64) ([]string, error)
	Get(id string) (DesiredACL, int64, error)
	Versions() (map[string]int64, error)
}
