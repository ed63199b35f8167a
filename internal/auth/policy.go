package auth

import (
	"github.com/google/uuid"
)

// Capability names a privileged action class.
type Capability int

const (
	CapGovernance Capability = iota // parameter updates, pause/unpause
	CapLiquidator                   // commit/execute liquidations
	CapEmergency                    // emergency position closure
	CapHedger                       // open positions when whitelisting is on
)

func (c Capability) String() string {
	switch c {
	case CapGovernance:
		return "governance"
	case CapLiquidator:
		return "liquidator"
	case CapEmergency:
		return "emergency"
	case CapHedger:
		return "hedger"
	default:
		return "unknown"
	}
}

// Policy maps callers to capabilities. The hedger capability is special:
// when no hedger whitelist has been set, every caller may open positions.
// Not thread-safe — mutated only through governance events in the core loop.
type Policy struct {
	grants          map[Capability]map[uuid.UUID]bool
	hedgerWhitelist bool
}

func NewPolicy() *Policy {
	return &Policy{grants: make(map[Capability]map[uuid.UUID]bool)}
}

func (p *Policy) Grant(cap Capability, caller uuid.UUID) {
	if p.grants[cap] == nil {
		p.grants[cap] = make(map[uuid.UUID]bool)
	}
	p.grants[cap][caller] = true
	if cap == CapHedger {
		p.hedgerWhitelist = true
	}
}

func (p *Policy) Revoke(cap Capability, caller uuid.UUID) {
	delete(p.grants[cap], caller)
}

// Allowed reports whether caller holds cap. CapHedger defaults to open
// access until the first hedger grant turns the whitelist on.
func (p *Policy) Allowed(cap Capability, caller uuid.UUID) bool {
	if cap == CapHedger && !p.hedgerWhitelist {
		return true
	}
	return p.grants[cap][caller]
}
