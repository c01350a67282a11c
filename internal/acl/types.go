// Package acl manages access-control lists mirrored onto the forwarding
// engine: the canonical per-key store, the handle index for routing device
// events, and the update/sweep/replay protocol that keeps the device copy
// in line with desired state.
package acl

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
)

// Key is the caller-chosen stable identity of a list (the tag programmed
// onto the device). Immutable for the life of the object.
type Key = string

// Action is what a matching rule does to a frame.
type Action uint8

const (
	ActionDeny Action = iota
	ActionPermit
)

func (a Action) String() string {
	if a == ActionPermit {
		return "permit"
	}
	return "deny"
}

// ParseAction converts the textual form used in policy and desired state.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "permit":
		return ActionPermit, nil
	case "deny":
		return ActionDeny, nil
	}
	return ActionDeny, fmt.Errorf("unknown action %q", s)
}

// MacAddr is a 48-bit link-layer address as a comparable value.
type MacAddr [6]byte

// ParseMac parses the usual colon form into a MacAddr.
func ParseMac(s string) (MacAddr, error) {
	var m MacAddr
	hw, err := net.ParseMAC(s)
	if err != nil {
		return m, err
	}
	if len(hw) != 6 {
		return m, fmt.Errorf("mac %q: not 48-bit", s)
	}
	copy(m[:], hw)
	return m, nil
}

func (m MacAddr) String() string {
	return net.HardwareAddr(m[:]).String()
}

// Rule is one immutable match/action entry of a list. Lists hold rules as
// a set keyed by Priority; two rule sets are equal only by full value
// equality.
type Rule struct {
	Priority uint32
	Action   Action
	Src      netip.Prefix
	Mac      MacAddr
	MacMask  MacAddr
}

func (r Rule) String() string {
	return fmt.Sprintf("[%d %s src:%s mac:%s/%s]", r.Priority, r.Action, r.Src, r.Mac, r.MacMask)
}

// RuleSet is the desired rule content of a list, keyed by priority.
type RuleSet map[uint32]Rule

// Equal reports full value equality of two rule sets.
func (rs RuleSet) Equal(other RuleSet) bool {
	if len(rs) != len(other) {
		return false
	}
	for p, r := range rs {
		if o, ok := other[p]; !ok || o != r {
			return false
		}
	}
	return true
}

// Sorted returns the rules in ascending priority order. This is the full
// payload shape every push carries; the device is never given a partial
// diff.
func (rs RuleSet) Sorted() []Rule {
	rules := make([]Rule, 0, len(rs))
	for _, r := range rs {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
	return rules
}

func (rs RuleSet) clone() RuleSet {
	out := make(RuleSet, len(rs))
	for p, r := range rs {
		out[p] = r
	}
	return out
}
