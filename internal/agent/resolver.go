// Package agent resolves the effective per-agent settings: system prompt,
// history budget, and guardrails policy.
package agent

import (
	"strings"

	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/guardrails"
)

// DefaultID is the agent used when a channel does not name one.
const DefaultID = "default"

// Profile is the resolved configuration for one agent.
type Profile struct {
	ID           string
	SystemPrompt string
	MemoryLimit  int
	Policy       guardrails.Policy
}

// Resolver answers profile lookups from the loaded configuration. Agents
// not declared under [agents.<id>] fall back to the base [agent] section.
type Resolver struct {
	base     config.AgentConfig
	agents   map[string]config.AgentConfig
	fallback string
}

func NewResolver(cfg config.Config) *Resolver {
	return &Resolver{
		base:     cfg.Agent,
		agents:   cfg.Agents,
		fallback: cfg.Guardrails.FallbackMessage,
	}
}

// Resolve returns the profile for agentID.
func (r *Resolver) Resolve(agentID string) Profile {
	id := strings.TrimSpace(agentID)
	if id == "" {
		id = DefaultID
	}
	ac := r.base
	if override, ok := r.agents[id]; ok {
		ac = merged(r.base, override)
	}

	limit := ac.MemoryLimit
	if limit <= 0 {
		limit = config.DefaultMemoryLimit
	}
	prompt := ac.SystemPrompt
	if len(ac.Knowledge) > 0 {
		prompt = prompt + "\n\nReference notes:\n- " + strings.Join(ac.Knowledge, "\n- ")
	}

	return Profile{
		ID:           id,
		SystemPrompt: prompt,
		MemoryLimit:  limit,
		Policy: guardrails.Policy{
			Toxicity:      ac.Checks.Toxicity,
			Content:       ac.Checks.Content,
			Privacy:       ac.Checks.Privacy,
			Topic:         ac.Checks.Topic,
			Length:        ac.Checks.Length,
			TopicsAllow:   ac.TopicsAllow,
			TopicsDeny:    ac.TopicsDeny,
			MaxReplyRunes: ac.MaxReplyRune,
			Fallback:      r.fallback,
		},
	}
}

// merged overlays the fields an agent section actually set onto the base.
func merged(base, override config.AgentConfig) config.AgentConfig {
	out := override
	if strings.TrimSpace(out.SystemPrompt) == "" {
		out.SystemPrompt = base.SystemPrompt
	}
	if out.MemoryLimit <= 0 {
		out.MemoryLimit = base.MemoryLimit
	}
	if out.MaxReplyRune <= 0 {
		out.MaxReplyRune = base.MaxReplyRune
	}
	if len(out.TopicsAllow) == 0 {
		out.TopicsAllow = base.TopicsAllow
	}
	if len(out.TopicsDeny) == 0 {
		out.TopicsDeny = base.TopicsDeny
	}
	if len(out.Knowledge) == 0 {
		out.Knowledge = base.Knowledge
	}
	return out
}
