package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/asiaops/asia/pkg/types"
	"github.com/asiaops/asia/server/internal/config"
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

const (
	defaultCooldown = 15 * time.Minute
	defaultSeverity = "warning"

	// Resolved alerts stay listed for resolvedTTL, capped at maxResolved.
	resolvedTTL = time.Hour
	maxResolved = 200
)

// Alert is one rule firing for one actuator subsystem.
type Alert struct {
	ID           string     `json:"id"`
	RuleName     string     `json:"rule_name"`
	RunID        string     `json:"run_id"`
	AircraftType string     `json:"aircraft_type,omitempty"`
	Subsystem    string     `json:"subsystem"`
	Severity     string     `json:"severity"`
	Message      string     `json:"message"`
	Value        float64    `json:"value"`
	FiredAt      time.Time  `json:"fired_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy   string     `json:"resolved_by,omitempty"` // run that cleared the condition
	State        string     `json:"state"`
}

// Engine matches finished runs against the configured rules. Alerts are keyed
// by rule and subsystem: a run that no longer meets a rule resolves the alert
// an earlier run of the same subsystem raised.
//
// Engine is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	rules    []config.AlertRule
	webhooks []config.WebhookConfig
	firing   map[alertKey]*Alert
	lastFire map[alertKey]time.Time
	resolved []*Alert
	client   *http.Client
	now      func() time.Time
	wg       sync.WaitGroup
}

type alertKey struct {
	rule      string
	subsystem string
}

// New returns an Engine for cfg. With no rules Evaluate does nothing.
func New(cfg config.AlertsConfig) *Engine {
	return &Engine{
		rules:    cfg.Rules,
		webhooks: cfg.Webhooks,
		firing:   make(map[alertKey]*Alert),
		lastFire: make(map[alertKey]time.Time),
		client:   &http.Client{Timeout: webhookTimeout},
		now:      time.Now,
	}
}

// SetRules swaps in a reloaded rule set. Firing alerts whose rule is gone are
// dropped without notification.
func (e *Engine) SetRules(cfg config.AlertsConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = cfg.Rules
	e.webhooks = cfg.Webhooks
	for key := range e.firing {
		if !slices.ContainsFunc(cfg.Rules, func(r config.AlertRule) bool { return r.Name == key.rule }) {
			delete(e.firing, key)
		}
	}
	slog.Info("alerts: rules updated", "rules", len(cfg.Rules), "webhooks", len(cfg.Webhooks))
}

// Evaluate runs every rule against a finished run, completed or failed, and
// notifies the webhooks of each alert that fires or resolves. Rules the run
// cannot be judged against are skipped. Delivery is asynchronous.
func (e *Engine) Evaluate(view *types.RunView) {
	if view == nil {
		return
	}
	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()

	now := e.now()
	for _, rule := range rules {
		fires, value, ok := evalCondition(rule.Condition, view)
		if !ok {
			continue
		}

		e.mu.Lock()
		var changed *Alert
		if fires {
			changed = e.fire(rule, view, value, now)
		} else {
			changed = e.resolve(rule, view, now)
		}
		e.mu.Unlock()

		if changed != nil {
			e.dispatch(changed)
		}
	}
}

// fire records a new alert unless the rule is cooling down for the subsystem.
// It returns a copy of the new alert, or nil. Callers hold e.mu.
func (e *Engine) fire(rule config.AlertRule, view *types.RunView, value float64, now time.Time) *Alert {
	key := alertKey{rule: rule.Name, subsystem: view.Run.Metadata.Subsystem}
	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if last, ok := e.lastFire[key]; ok && now.Sub(last) <= cooldown {
		return nil
	}

	sev := rule.Severity
	if sev == "" {
		sev = defaultSeverity
	}
	a := &Alert{
		ID:           fmt.Sprintf("%s:%s:%d", key.rule, key.subsystem, now.UnixNano()),
		RuleName:     rule.Name,
		RunID:        view.Run.ID,
		AircraftType: view.Run.Metadata.AircraftType,
		Subsystem:    key.subsystem,
		Severity:     sev,
		Value:        value,
		Message:      describe(rule, view, value),
		FiredAt:      now,
		State:        StateFiring,
	}
	e.firing[key] = a
	e.lastFire[key] = now

	slog.Warn("alert fired",
		"rule", rule.Name,
		"run_id", a.RunID,
		"subsystem", a.Subsystem,
		"value", value,
		"severity", sev,
	)
	cp := *a
	return &cp
}

// resolve clears a firing alert for the rule and subsystem of view. It
// returns a copy of the resolved alert, or nil. Callers hold e.mu.
func (e *Engine) resolve(rule config.AlertRule, view *types.RunView, now time.Time) *Alert {
	key := alertKey{rule: rule.Name, subsystem: view.Run.Metadata.Subsystem}
	a, ok := e.firing[key]
	if !ok {
		return nil
	}
	delete(e.firing, key)

	a.State = StateResolved
	a.ResolvedAt = &now
	a.ResolvedBy = view.Run.ID
	e.resolved = append(e.resolved, a)
	if n := len(e.resolved); n > maxResolved {
		e.resolved = slices.Clone(e.resolved[n-maxResolved:])
	}

	slog.Info("alert resolved",
		"rule", rule.Name,
		"run_id", a.RunID,
		"resolved_by", a.ResolvedBy,
		"subsystem", a.Subsystem,
	)
	cp := *a
	return &cp
}

// describe renders the human-readable alert message.
func describe(rule config.AlertRule, view *types.RunView, value float64) string {
	sev := rule.Severity
	if sev == "" {
		sev = defaultSeverity
	}
	msg := fmt.Sprintf("[%s] %s on %s (run %s): %s", sev, rule.Name, view.Run.Metadata.Subsystem, view.Run.ID, rule.Condition)
	switch {
	case isThreshold(rule.Condition):
		return fmt.Sprintf("%s, observed %.3f", msg, value)
	case view.Run.Status == types.StatusFailed && view.Run.Error != "":
		return msg + " (" + view.Run.Error + ")"
	case view.AnomalyResult != nil && view.AnomalyResult.Severity != "":
		return msg + " (diagnosis " + view.AnomalyResult.Severity + ")"
	}
	return msg
}

// Active returns copies of the firing alerts and of alerts resolved within
// the last hour, newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-resolvedTTL)
	out := make([]*Alert, 0, len(e.firing))
	for _, a := range e.firing {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.resolved {
		if a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(x, y *Alert) int { return y.FiredAt.Compare(x.FiredAt) })
	return out
}

// Wait blocks until in-flight webhook deliveries finish.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) dispatch(a *Alert) {
	e.mu.Lock()
	hooks := e.webhooks
	e.mu.Unlock()
	if len(hooks) == 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliver(hooks, a)
	}()
}
