package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"AutoTip/internal/agent"
	"AutoTip/internal/event"
)

// 语法树支持的操作符。
const (
	OpAnd      = "and"
	OpOr       = "or"
	OpNot      = "not"
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpExists   = "exists"
)

const maxNodeDepth = 32

var errNodeTooDeep = errors.New("condition node nested too deeply")

// ValidateNode 校验语法树结构，在规则保存前调用。
func ValidateNode(n agent.Node) error {
	return validateNode(n, 0)
}

func validateNode(n agent.Node, depth int) error {
	if depth > maxNodeDepth {
		return errNodeTooDeep
	}
	switch n.Op {
	case OpAnd, OpOr:
		for _, arg := range n.Args {
			if err := validateNode(arg, depth+1); err != nil {
				return err
			}
		}
		return nil
	case OpNot:
		if len(n.Args) != 1 {
			return fmt.Errorf("not expects exactly one argument, got %d", len(n.Args))
		}
		return validateNode(n.Args[0], depth+1)
	case OpEq, OpNe, OpContains:
		if strings.TrimSpace(n.Field) == "" {
			return fmt.Errorf("%s requires a field", n.Op)
		}
		return nil
	case OpGt, OpGte, OpLt, OpLte:
		if strings.TrimSpace(n.Field) == "" {
			return fmt.Errorf("%s requires a field", n.Op)
		}
		if _, err := literalNumber(n.Value); err != nil {
			return fmt.Errorf("%s requires a numeric value: %w", n.Op, err)
		}
		return nil
	case OpExists:
		if strings.TrimSpace(n.Field) == "" {
			return fmt.Errorf("exists requires a field")
		}
		return nil
	default:
		return fmt.Errorf("unsupported condition op %q", n.Op)
	}
}

func evalNode(n agent.Node, ev *event.Event, depth int) (bool, error) {
	if depth > maxNodeDepth {
		return false, errNodeTooDeep
	}
	switch n.Op {
	case OpAnd:
		for _, arg := range n.Args {
			ok, err := evalNode(arg, ev, depth+1)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, arg := range n.Args {
			ok, err := evalNode(arg, ev, depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(n.Args) != 1 {
			return false, fmt.Errorf("not expects exactly one argument, got %d", len(n.Args))
		}
		ok, err := evalNode(n.Args[0], ev, depth+1)
		return !ok && err == nil, err
	case OpExists:
		return ev.Lookup(n.Field).Exists(), nil
	}

	res := ev.Lookup(n.Field)
	switch n.Op {
	case OpEq:
		return res.Exists() && equalValue(res, n.Value), nil
	case OpNe:
		return !res.Exists() || !equalValue(res, n.Value), nil
	case OpContains:
		return containsValue(res, n.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		if !res.Exists() {
			return false, nil
		}
		left, ok := event.Number(res)
		if !ok {
			return false, fmt.Errorf("field %s is not numeric", n.Field)
		}
		right, err := literalNumber(n.Value)
		if err != nil {
			return false, err
		}
		switch n.Op {
		case OpGt:
			return left.GreaterThan(right), nil
		case OpGte:
			return left.GreaterThanOrEqual(right), nil
		case OpLt:
			return left.LessThan(right), nil
		default:
			return left.LessThanOrEqual(right), nil
		}
	}
	return false, fmt.Errorf("unsupported condition op %q", n.Op)
}

func equalValue(res gjson.Result, want any) bool {
	switch v := want.(type) {
	case nil:
		return res.Type == gjson.Null
	case bool:
		return (res.Type == gjson.True || res.Type == gjson.False) && res.Bool() == v
	case string:
		return res.String() == v
	}
	right, err := literalNumber(want)
	if err != nil {
		return false
	}
	left, ok := event.Number(res)
	return ok && left.Equal(right)
}

func containsValue(res gjson.Result, want any) bool {
	if !res.Exists() {
		return false
	}
	if res.IsArray() {
		found := false
		res.ForEach(func(_, item gjson.Result) bool {
			if equalValue(item, want) || (item.IsObject() && equalValue(item.Get("name"), want)) {
				found = true
				return false
			}
			return true
		})
		return found
	}
	needle, ok := want.(string)
	if !ok {
		needle = fmt.Sprint(want)
	}
	return strings.Contains(strings.ToLower(res.String()), strings.ToLower(needle))
}

func literalNumber(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	case decimal.Decimal:
		return n, nil
	default:
		return decimal.Zero, fmt.Errorf("value %v is not a number", v)
	}
}
