package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/internal/config"
)

// DefaultPureEditTools is the built-in classification AutoEdit uses when the
// configuration does not supply its own list: file-content operations that
// never execute anything.
var DefaultPureEditTools = []string{
	"read_file",
	"write_file",
	"edit_file",
	"create_file",
	"apply_patch",
	"list_dir",
	"grep_search",
	"file_search",
}

// Engine evaluates tool calls against the rule set. The static rules are
// compiled and sorted at load; a config reload swaps the whole set
// atomically under the engine mutex, so no request ever sees a half-loaded
// rule list.
type Engine struct {
	logger *slog.Logger

	mu           sync.RWMutex
	static       []Rule // sorted by (tier desc, declaration order)
	mode         ApprovalMode
	pureEdit     map[string]bool
	constitution map[string][]Rule // sessionID -> rules in add order
	constSeq     int
}

// NewEngine compiles the configured rule set. Pattern or tier errors are
// returned so startup can treat a bad policy file as fatal.
func NewEngine(cfg config.PolicyConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:       logger,
		constitution: make(map[string][]Rule),
	}
	if err := e.Reload(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload compiles a new static rule set and swaps it in. On error the
// previous rules stay in effect; constitution rules are untouched either
// way.
func (e *Engine) Reload(cfg config.PolicyConfig) error {
	rules := make([]Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		r, err := compileRule(rc, i)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}
	// Pre-sort once: higher tiers first, declaration order within a tier.
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Tier != rules[j].Tier {
			return rules[i].Tier > rules[j].Tier
		}
		return rules[i].seq < rules[j].seq
	})

	pureEdit := cfg.PureEditTools
	if len(pureEdit) == 0 {
		pureEdit = DefaultPureEditTools
	}
	peSet := make(map[string]bool, len(pureEdit))
	for _, id := range pureEdit {
		peSet[id] = true
	}

	e.mu.Lock()
	e.static = rules
	e.mode = ApprovalMode(cfg.ApprovalMode)
	e.pureEdit = peSet
	e.mu.Unlock()
	return nil
}

// Evaluate returns the decision for one tool call. Session constitution
// rules are scanned first (newest first), then the static rules in their
// pre-sorted order; the first match wins. Identical inputs always produce
// identical decisions.
func (e *Engine) Evaluate(req Request) Decision {
	args := extractArgs(req.Args)
	joined := strings.Join(args, " ")

	e.mu.RLock()
	defer e.mu.RUnlock()

	if req.SessionID != "" {
		session := e.constitution[req.SessionID]
		for i := len(session) - 1; i >= 0; i-- {
			if session[i].matches(req.ToolID, args, joined) {
				return decisionFrom(session[i])
			}
		}
	}

	for _, r := range e.static {
		if r.matches(req.ToolID, args, joined) {
			return decisionFrom(r)
		}
	}

	return e.defaultDecision(req.ToolID)
}

func decisionFrom(r Rule) Decision {
	return Decision{Action: r.Action, MatchedRule: r.Name, Reason: r.Reason}
}

func (e *Engine) defaultDecision(toolID string) Decision {
	switch e.mode {
	case ModeYolo:
		return Decision{Action: ActionAllow, Reason: "approval mode yolo"}
	case ModeAutoEdit:
		if e.pureEdit[toolID] {
			return Decision{Action: ActionAllow, Reason: "approval mode auto_edit: pure-edit tool"}
		}
		return Decision{Action: ActionAskUser, Reason: "approval mode auto_edit: not a pure-edit tool"}
	default:
		return Decision{Action: ActionAskUser, Reason: "approval mode ask"}
	}
}

// Mode returns the engine's approval mode.
func (e *Engine) Mode() ApprovalMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// Rules returns the static rules in evaluation order, for the control
// surface's rule listing.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.static))
	copy(out, e.static)
	return out
}

// AddConstitutionRule attaches a runtime rule to one session, layered above
// every static rule. Among a session's rules the most recently added wins.
func (e *Engine) AddConstitutionRule(sessionID string, rc config.RuleConfig) error {
	if sessionID == "" {
		return fmt.Errorf("constitution rule requires a session id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.constSeq++
	r, err := compileRule(rc, e.constSeq)
	if err != nil {
		return err
	}
	r.addedAt = time.Now()
	e.constitution[sessionID] = append(e.constitution[sessionID], r)
	e.logger.Debug("constitution rule added", "session_id", sessionID, "rule", r.Name)
	return nil
}

// ConstitutionRules returns a session's runtime rules in add order.
func (e *Engine) ConstitutionRules(sessionID string) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.constitution[sessionID]))
	copy(out, e.constitution[sessionID])
	return out
}

// PruneConstitution drops all constitution rules for sessions whose last
// activity is older than ttl. lastActive reports a session's last activity;
// sessions it no longer knows are pruned unconditionally.
func (e *Engine) PruneConstitution(ttl time.Duration, lastActive func(sessionID string) (time.Time, bool)) int {
	cutoff := time.Now().Add(-ttl)

	e.mu.Lock()
	defer e.mu.Unlock()

	pruned := 0
	for sid, rules := range e.constitution {
		at, ok := lastActive(sid)
		if ok && at.After(cutoff) {
			continue
		}
		pruned += len(rules)
		delete(e.constitution, sid)
	}
	if pruned > 0 {
		e.logger.Debug("constitution rules pruned", "count", pruned)
	}
	return pruned
}
