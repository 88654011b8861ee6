package toolregistry

import (
	"github.com/rs/zerolog/log"
)

// Policy restricts which tools are offered to the model.
type Policy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // allowed tools, "*" for all
	Deny  []string `json:"deny" mapstructure:"deny"`   // denied tools, overrides allow
}

// IsAllowed reports whether the policy permits a tool. A nil policy allows
// everything; otherwise a tool must be allowed and not denied.
func (p *Policy) IsAllowed(name string) bool {
	if p == nil {
		return true
	}

	for _, denied := range p.Deny {
		if denied == name || denied == "*" {
			return false
		}
	}
	for _, allowed := range p.Allow {
		if allowed == name || allowed == "*" {
			return true
		}
	}
	return false
}

// Validate logs policies that are probably mistakes. It never fails.
func (p *Policy) Validate() {
	if p == nil {
		return
	}

	allowAll, denyAll := false, false
	for _, a := range p.Allow {
		if a == "*" {
			allowAll = true
		}
	}
	for _, d := range p.Deny {
		if d == "*" {
			denyAll = true
		}
	}

	if allowAll && denyAll {
		log.Warn().Msg("Tool policy has both allow and deny wildcards - deny will override allow")
	}
	if len(p.Allow) == 0 {
		log.Warn().Msg("Tool policy has empty allow list - all tools will be denied")
	}
}
