// Package policy gates tool calls before dispatch. Rules are glob patterns
// over tool ids and arguments, organized in priority tiers; the highest
// matching rule decides, and an approval mode supplies the default when
// nothing matches.
package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gobwas/glob"

	"github.com/switchboard-ai/switchboard/internal/config"
)

// Action is the outcome a rule or default assigns to a tool call.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionDeny    Action = "deny"
	ActionAskUser Action = "ask_user"
)

// Tier orders static rules. Admin rules always beat User rules, which beat
// Default rules, regardless of declaration order.
type Tier int

const (
	TierDefault Tier = iota
	TierUser
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierAdmin:
		return "admin"
	case TierUser:
		return "user"
	default:
		return "default"
	}
}

func parseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionAllow, ActionDeny, ActionAskUser:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

func parseTier(s string) (Tier, error) {
	switch s {
	case "admin":
		return TierAdmin, nil
	case "user":
		return TierUser, nil
	case "default":
		return TierDefault, nil
	}
	return 0, fmt.Errorf("unknown priority tier %q", s)
}

// ApprovalMode supplies the decision when no rule matches.
type ApprovalMode string

const (
	// ModeYolo allows everything unmatched.
	ModeYolo ApprovalMode = "yolo"
	// ModeAutoEdit allows unmatched pure-edit tools, asks otherwise.
	ModeAutoEdit ApprovalMode = "auto_edit"
	// ModeAsk asks for everything unmatched.
	ModeAsk ApprovalMode = "ask"
)

// Rule is a compiled policy rule. Static rules come from configuration;
// constitution rules are created at runtime scoped to one session.
type Rule struct {
	Name        string
	Tier        Tier
	Action      Action
	ToolPattern string
	ArgPattern  string
	Reason      string

	toolGlob glob.Glob
	argGlob  glob.Glob
	seq      int       // declaration order within a tier
	addedAt  time.Time // constitution rules only
}

// compileRule builds a Rule from its config record. Glob syntax errors are
// reported at load time so a bad pattern can never silently match nothing.
func compileRule(rc config.RuleConfig, seq int) (Rule, error) {
	tier, err := parseTier(rc.Priority)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", rc.Name, err)
	}
	action, err := parseAction(rc.Action)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", rc.Name, err)
	}
	tg, err := glob.Compile(rc.ToolPattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: bad tool_pattern: %w", rc.Name, err)
	}
	r := Rule{
		Name:        rc.Name,
		Tier:        tier,
		Action:      action,
		ToolPattern: rc.ToolPattern,
		ArgPattern:  rc.ArgPattern,
		Reason:      rc.Reason,
		toolGlob:    tg,
		seq:         seq,
	}
	if rc.ArgPattern != "" {
		ag, err := glob.Compile(rc.ArgPattern)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s: bad arg_pattern: %w", rc.Name, err)
		}
		r.argGlob = ag
	}
	return r, nil
}

// matches reports whether the rule applies to a tool id and its extracted
// arguments. The arg pattern matches if it matches any single argument or
// the space-joined argument string.
func (r Rule) matches(toolID string, args []string, joined string) bool {
	if !r.toolGlob.Match(toolID) {
		return false
	}
	if r.argGlob == nil {
		return true
	}
	for _, a := range args {
		if r.argGlob.Match(a) {
			return true
		}
	}
	return r.argGlob.Match(joined)
}

// Request is one tool call submitted for evaluation.
type Request struct {
	SessionID string
	ToolID    string
	Args      json.RawMessage
}

// Decision is the evaluation result. MatchedRule is empty when the approval
// mode default applied.
type Decision struct {
	Action      Action
	MatchedRule string
	Reason      string
}
