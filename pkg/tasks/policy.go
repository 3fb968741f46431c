package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/steward/pkg/policy"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// rollbackBudget bounds a policy rollback. It runs on top of the task
// timeout, so a policy that timed out is still rolled back.
const rollbackBudget = 30 * time.Second

// runPolicy applies the named settings, runs the optional validation and, if
// validation fails, the optional rollback.
func (e *Engine) runPolicy(ctx context.Context, logger zerolog.Logger, p PolicyPayload) (Result, error) {
	res := Result{Metadata: map[string]any{"category": p.Category}}
	if p.Name != "" {
		res.setMeta("policy", p.Name)
	}

	defs := make([]Setting, 0, len(p.Settings))
	for _, change := range p.Settings {
		def, err := e.resolveSetting(p.Category, change.Name)
		if err != nil {
			return res, err
		}
		defs = append(defs, def)
	}

	env := e.settingEnv()
	applied := make([]string, 0, len(defs))
	var outputs []string
	for i, def := range defs {
		out, err := def.Apply(ctx, env, p.Settings[i].Value)
		if out != "" {
			outputs = append(outputs, out)
		}
		if err != nil {
			res.setMeta("applied", applied)
			res.Output = strings.Join(outputs, "\n")
			e.rollbackAfterFailure(ctx, logger, p.Rollback, &res)
			return res, wrapStep("apply "+def.Name, err)
		}
		applied = append(applied, def.Name)
	}
	res.setMeta("applied", applied)
	res.Output = strings.Join(outputs, "\n")

	if p.Validation == nil || p.Validation.empty() {
		return res, nil
	}
	if err := e.validatePolicy(ctx, *p.Validation, &res); err != nil {
		res.setMeta("validation_error", err.Error())
		e.rollbackAfterFailure(ctx, logger, p.Rollback, &res)
		return res, wrapStep("validation", err)
	}
	res.setMeta("validated", true)
	return res, nil
}

func (e *Engine) resolveSetting(category, name string) (Setting, error) {
	def, ok := e.settings.Lookup(name)
	if !ok {
		return Setting{}, invalidPayload(fmt.Sprintf("unknown setting %q", name), nil)
	}
	if def.Category != "" && def.Category != category {
		return Setting{}, invalidPayload(fmt.Sprintf("setting %q belongs to category %s, not %s", name, def.Category, category), nil)
	}
	return def, nil
}

// validatePolicy runs every supplied check; the first failure wins.
func (e *Engine) validatePolicy(ctx context.Context, check PolicyCheck, res *Result) error {
	if check.Command != nil {
		out, err := e.runCommand(ctx, *check.Command)
		res.setMeta("validation_output", out.Output)
		if err != nil {
			return wrapStep("command", err)
		}
	}
	if check.Script != nil {
		out, err := e.runScript(ctx, *check.Script)
		res.setMeta("validation_output", out.Output)
		if err != nil {
			return wrapStep("script", err)
		}
	}
	if len(check.PostureChecks) > 0 {
		if e.security == nil {
			return dependencyMissing("no security inspector configured for posture checks", nil)
		}
		facts, err := e.security(ctx)
		if err != nil {
			return wrapStep("collect posture", err)
		}
		rules := make([]policy.Rule, 0, len(check.PostureChecks))
		for _, c := range check.PostureChecks {
			rules = append(rules, policy.Rule{Name: c, Check: c, Action: "deny"})
		}
		eval := policy.Evaluate(facts, &policy.Policy{Rules: rules})
		res.setMeta("posture_violations", eval.Violations)
		if !eval.Compliant {
			return executionFailed(0, "posture checks failed: "+strings.Join(eval.Violations, ", "))
		}
	}
	return nil
}

func (e *Engine) rollbackAfterFailure(ctx context.Context, logger zerolog.Logger, action *PolicyAction, res *Result) {
	if action == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackBudget)
	defer cancel()
	if err := e.rollback(ctx, *action); err != nil {
		logger.Error().Err(err).Msg("Policy rollback failed")
		res.setMeta("rolled_back", false)
		res.setMeta("rollback_error", err.Error())
		return
	}
	logger.Info().Msg("Policy rolled back")
	res.setMeta("rolled_back", true)
}

// rollback runs every part of the action and reports all failures together.
func (e *Engine) rollback(ctx context.Context, action PolicyAction) error {
	var result *multierror.Error
	if action.Command != nil {
		if _, err := e.runCommand(ctx, *action.Command); err != nil {
			result = multierror.Append(result, wrapStep("rollback command", err))
		}
	}
	if action.Script != nil {
		if _, err := e.runScript(ctx, *action.Script); err != nil {
			result = multierror.Append(result, wrapStep("rollback script", err))
		}
	}
	env := e.settingEnv()
	for _, change := range action.Settings {
		def, ok := e.settings.Lookup(change.Name)
		if !ok {
			result = multierror.Append(result, fmt.Errorf("rollback: unknown setting %q", change.Name))
			continue
		}
		if _, err := def.Apply(ctx, env, change.Value); err != nil {
			result = multierror.Append(result, wrapStep("rollback "+change.Name, err))
		}
	}
	return result.ErrorOrNil()
}
