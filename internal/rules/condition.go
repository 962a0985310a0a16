// Package rules holds the fraud rule registry, the rule evaluators and the
// CEL conditions that gate when a rule applies.
package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/fieldpay/internal/domain"
)

// Conditions compiles and evaluates rule applicability expressions.
// Compiled programs are cached by expression.
type Conditions struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
	loc      *time.Location
}

// NewConditions creates the CEL environment for rule conditions. Hour and
// weekday are computed in loc.
func NewConditions(loc *time.Location) (*Conditions, error) {
	if loc == nil {
		loc = time.UTC
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("agent_verified", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Conditions{
		env:      env,
		programs: make(map[string]cel.Program),
		loc:      loc,
	}, nil
}

// Validate compiles expr and checks that it yields a bool.
func (c *Conditions) Validate(expr string) error {
	_, err := c.compile(expr)
	return err
}

// Applies reports whether rule should be evaluated for payment. Rules
// without a condition always apply.
func (c *Conditions) Applies(rule *domain.FraudRule, payment *domain.Payment, agent *domain.Agent) (bool, error) {
	if rule.Condition == "" {
		return true, nil
	}

	prg, err := c.program(rule.Condition)
	if err != nil {
		return false, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	local := payment.CreatedAt.In(c.loc)
	activation := map[string]any{
		"amount":         payment.AmountFloat(),
		"currency":       payment.Currency,
		"method":         string(payment.Method),
		"status":         string(payment.Status),
		"hour":           int64(local.Hour()),
		"weekday":        int64(local.Weekday()),
		"agent_verified": agent != nil && agent.VerificationStatus == domain.AgentVerified,
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("rule %s: evaluation error: %w", rule.ID, err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("rule %s: condition returned %s, want bool", rule.ID, out.Type())
	}
	return bool(b), nil
}

func (c *Conditions) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := c.compile(expr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.programs[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

func (c *Conditions) compile(expr string) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %s", ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create condition program: %w", err)
	}
	return prg, nil
}
