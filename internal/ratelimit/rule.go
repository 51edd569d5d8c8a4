package ratelimit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/cel-go/cel"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// Window algorithms.
const (
	AlgorithmFixedWindow   = config.WindowFixed
	AlgorithmSlidingWindow = config.WindowSliding
)

// Rule is a rate limit rule bound to an endpoint pattern.
type Rule struct {
	Name string `json:"name"`
	// Endpoint is a literal path, a doublestar glob or "*" for every endpoint.
	Endpoint    string        `json:"endpoint"`
	Window      time.Duration `json:"window"`
	MaxRequests int           `json:"maxRequests"`
	Algorithm   string        `json:"algorithm"`
	// Priority orders evaluation, higher first.
	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`
	// Condition is an optional CEL expression over endpoint, method, ip,
	// user_id and headers. The rule applies only when it evaluates to true.
	Condition string `json:"condition,omitempty"`
}

// RuleFromConfig converts a configured rule.
func RuleFromConfig(rc config.RuleConfig) Rule {
	return Rule{
		Name:        rc.Name,
		Endpoint:    rc.Endpoint,
		Window:      rc.Window.Duration(),
		MaxRequests: rc.MaxRequests,
		Algorithm:   rc.Algorithm,
		Priority:    rc.Priority,
		Enabled:     rc.IsEnabled(),
		Condition:   rc.Condition,
	}
}

// compiledRule is a validated rule with its condition program.
type compiledRule struct {
	Rule
	glob    bool
	program cel.Program
}

// conditionEnv declares the variables available to rule conditions.
func conditionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("endpoint", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
	)
}

func compileRule(env *cel.Env, r Rule) (*compiledRule, error) {
	if r.Name == "" {
		return nil, util.NewConfigError("name", "rule name is required")
	}
	if r.Endpoint == "" {
		return nil, util.NewConfigError("endpoint", fmt.Sprintf("rule %q: endpoint is required", r.Name))
	}
	if r.Window <= 0 {
		return nil, util.NewConfigError("window", fmt.Sprintf("rule %q: window must be positive", r.Name))
	}
	if r.MaxRequests <= 0 {
		return nil, util.NewConfigError("maxRequests", fmt.Sprintf("rule %q: maxRequests must be positive", r.Name))
	}
	switch r.Algorithm {
	case "":
		r.Algorithm = AlgorithmFixedWindow
	case AlgorithmFixedWindow, AlgorithmSlidingWindow:
	default:
		return nil, util.NewConfigError("algorithm",
			fmt.Sprintf("rule %q: unknown algorithm %q", r.Name, r.Algorithm))
	}

	cr := &compiledRule{Rule: r}
	if r.Endpoint != "*" && strings.ContainsAny(r.Endpoint, "*?[{") {
		if !doublestar.ValidatePattern(r.Endpoint) {
			return nil, util.NewConfigError("endpoint",
				fmt.Sprintf("rule %q: invalid pattern %q", r.Name, r.Endpoint))
		}
		cr.glob = true
	}

	if r.Condition != "" {
		ast, iss := env.Compile(r.Condition)
		if iss != nil && iss.Err() != nil {
			return nil, util.NewConfigErrorWithCause("condition",
				fmt.Sprintf("rule %q: invalid condition", r.Name), iss.Err())
		}
		if ot := ast.OutputType(); !ot.IsExactType(cel.BoolType) && !ot.IsExactType(cel.DynType) {
			return nil, util.NewConfigError("condition",
				fmt.Sprintf("rule %q: condition must evaluate to bool, got %s", r.Name, ot))
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, util.NewConfigErrorWithCause("condition",
				fmt.Sprintf("rule %q: failed to build condition", r.Name), err)
		}
		cr.program = prg
	}
	return cr, nil
}

func (r *compiledRule) matchesEndpoint(endpoint string) bool {
	switch {
	case r.Endpoint == "*":
		return true
	case r.glob:
		ok, err := doublestar.Match(r.Endpoint, endpoint)
		return err == nil && ok
	default:
		return r.Endpoint == endpoint
	}
}

// conditionHolds evaluates the rule condition. An evaluation error means the
// rule does not apply.
func (r *compiledRule) conditionHolds(vars map[string]any) (bool, error) {
	if r.program == nil {
		return true, nil
	}
	out, _, err := r.program.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

// sortRules orders rules by priority descending, then name.
func sortRules(rules []*compiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].Endpoint < rules[j].Endpoint
	})
}
