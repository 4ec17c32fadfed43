// Package rules evaluates declarative queue control rules and runs the
// standing load-balance check and emergency override for each location.
package rules

import (
	"fmt"
	"sort"
	"sync"

	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"
)

// FiredAction is one action contributed by a matching rule.
type FiredAction struct {
	RuleID   string        `json:"rule_id"`
	RuleName string        `json:"rule_name"`
	Priority int           `json:"priority"`
	Action   models.Action `json:"action"`
}

type compiledRule struct {
	rule       models.QueueControlRule
	conditions []condition
}

func (r *compiledRule) matches(s Signals) bool {
	for _, c := range r.conditions {
		if !c.eval(s) {
			return false
		}
	}
	return true
}

type Engine struct {
	mu    sync.RWMutex
	rules map[string]*compiledRule
}

func NewEngine() *Engine {
	return &Engine{rules: make(map[string]*compiledRule)}
}

// Validate checks a rule without registering it.
func Validate(rule models.QueueControlRule) error {
	_, err := compile(rule)
	return err
}

func compile(rule models.QueueControlRule) ([]condition, error) {
	if rule.ID == "" {
		return nil, store.NewValidationError("id", "is required")
	}
	if len(rule.Actions) == 0 {
		return nil, store.NewValidationError("actions", "at least one action is required")
	}
	conditions := make([]condition, 0, len(rule.Conditions))
	for i, raw := range rule.Conditions {
		c, err := compileCondition(i, raw)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, c)
	}
	for i, action := range rule.Actions {
		if err := validateAction(i, action); err != nil {
			return nil, err
		}
	}
	return conditions, nil
}

// Register compiles and stores a rule, replacing any rule with the same id.
func (e *Engine) Register(rule models.QueueControlRule) error {
	conditions, err := compile(rule)
	if err != nil {
		return fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	rule.Conditions = append([]models.Condition(nil), rule.Conditions...)
	rule.Actions = cloneActions(rule.Actions)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = &compiledRule{rule: rule, conditions: conditions}
	return nil
}

func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return false
	}
	delete(e.rules, id)
	return true
}

func (e *Engine) Get(id string) (models.QueueControlRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return models.QueueControlRule{}, false
	}
	return r.rule, true
}

// List returns the rules that apply to a location in evaluation order. Rules
// without a location apply everywhere; an empty locationID lists all rules.
func (e *Engine) List(locationID string) []models.QueueControlRule {
	compiled := e.ordered(locationID, false)
	out := make([]models.QueueControlRule, 0, len(compiled))
	for _, r := range compiled {
		out = append(out, r.rule)
	}
	return out
}

// Evaluate returns the actions of every active rule whose conditions all
// hold, in ascending priority order with ties broken by id.
func (e *Engine) Evaluate(locationID string, signals Signals) []FiredAction {
	var out []FiredAction
	for _, r := range e.ordered(locationID, true) {
		if !r.matches(signals) {
			continue
		}
		for _, action := range r.rule.Actions {
			out = append(out, FiredAction{
				RuleID:   r.rule.ID,
				RuleName: r.rule.Name,
				Priority: r.rule.Priority,
				Action:   models.Action{Type: action.Type, Parameters: cloneParams(action.Parameters)},
			})
		}
	}
	return out
}

func (e *Engine) ordered(locationID string, activeOnly bool) []*compiledRule {
	e.mu.RLock()
	out := make([]*compiledRule, 0, len(e.rules))
	for _, r := range e.rules {
		if activeOnly && !r.rule.IsActive {
			continue
		}
		if locationID != "" && r.rule.LocationID != "" && r.rule.LocationID != locationID {
			continue
		}
		out = append(out, r)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].rule.Priority != out[j].rule.Priority {
			return out[i].rule.Priority < out[j].rule.Priority
		}
		return out[i].rule.ID < out[j].rule.ID
	})
	return out
}

func cloneActions(actions []models.Action) []models.Action {
	out := make([]models.Action, len(actions))
	for i, a := range actions {
		out[i] = models.Action{Type: a.Type, Parameters: cloneParams(a.Parameters)}
	}
	return out
}

func cloneParams(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
