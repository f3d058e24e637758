package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/execguard/broker/internal/store"
)

// evalContext is the flat namespace conditions are evaluated against:
// actionType, parameters.*, metadata.*, identity.*, context.* (spec.md
// §4.4).
type evalContext map[string]interface{}

func buildEvalContext(in Input) evalContext {
	ctx := evalContext{"actionType": in.ActionType}
	flatten("parameters", in.Parameters, ctx)
	flatten("metadata", in.Metadata, ctx)
	flatten("context", in.Context, ctx)
	ctx["identity.riskTolerance"] = in.Identity.RiskTolerance
	ctx["identity.forbiddenBehaviors"] = in.Identity.ForbiddenBehaviors
	ctx["identity.trustBehaviors"] = in.Identity.TrustBehaviors
	ctx["risk.category"] = string(in.Risk.Category)
	ctx["risk.score"] = in.Risk.RawScore
	return ctx
}

func flatten(prefix string, m map[string]interface{}, out evalContext) {
	for k, v := range m {
		key := prefix + "." + k
		out[key] = v
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(key, nested, out)
		}
	}
}

// evaluate walks a Condition tree, appends a CheckResult for every leaf
// it evaluates (matched or not) to trace in evaluation order, and
// returns the tree's own boolean result.
func evaluate(c store.Condition, ctx evalContext, trace *[]store.CheckResult) bool {
	if c.IsComposite() {
		return evaluateComposite(c, ctx, trace)
	}
	return evaluateLeaf(c, ctx, trace)
}

func evaluateComposite(c store.Condition, ctx evalContext, trace *[]store.CheckResult) bool {
	switch strings.ToUpper(c.Composition) {
	case "AND":
		result := true
		for _, child := range c.Children {
			if !evaluate(child, ctx, trace) {
				result = false
			}
		}
		return result
	case "OR":
		result := false
		for _, child := range c.Children {
			if evaluate(child, ctx, trace) {
				result = true
			}
		}
		return result
	case "NOT":
		if len(c.Children) != 1 {
			return false
		}
		return !evaluate(c.Children[0], ctx, trace)
	default:
		return false
	}
}

func evaluateLeaf(c store.Condition, ctx evalContext, trace *[]store.CheckResult) bool {
	actual, present := ctx[c.Field]
	expected := c.Value.ToInterface()
	matched := present && applyOperator(c.Operator, actual, expected)

	*trace = append(*trace, store.CheckResult{
		Code:        fmt.Sprintf("%s %s", c.Field, c.Operator),
		Matched:     matched,
		HumanDetail: humanDetail(c, actual, present),
	})
	return matched
}

func humanDetail(c store.Condition, actual interface{}, present bool) string {
	if !present {
		return fmt.Sprintf("%s is not present in evaluation context", c.Field)
	}
	return fmt.Sprintf("%s %s %v (actual: %v)", c.Field, c.Operator, c.Value.ToInterface(), actual)
}

// applyOperator implements eq, neq, gt, gte, lt, lte, in, not_in,
// contains, prefix, regex (spec.md §4.4).
func applyOperator(op string, actual, expected interface{}) bool {
	switch op {
	case "eq":
		return equalValues(actual, expected)
	case "neq":
		return !equalValues(actual, expected)
	case "gt", "gte", "lt", "lte":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false
		}
		switch op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "in":
		return containsValue(expected, actual)
	case "not_in":
		return !containsValue(expected, actual)
	case "contains":
		return containsValue(actual, expected)
	case "prefix":
		as, aok := actual.(string)
		bs, bok := expected.(string)
		return aok && bok && strings.HasPrefix(as, bs)
	case "regex":
		as, aok := actual.(string)
		pattern, bok := expected.(string)
		if !aok || !bok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(as)
	default:
		return false
	}
}

func equalValues(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// containsValue reports whether needle appears in container, where
// container may be a []interface{}, a canon array ToInterface()
// result, or a string (substring match, used by operator "contains"
// on string fields).
func containsValue(container, needle interface{}) bool {
	switch c := container.(type) {
	case []interface{}:
		for _, e := range c {
			if equalValues(e, needle) {
				return true
			}
		}
		return false
	case string:
		ns, ok := needle.(string)
		return ok && strings.Contains(c, ns)
	default:
		return false
	}
}
