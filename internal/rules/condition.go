package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"AutoTip/internal/agent"
	"AutoTip/internal/event"
)

// 每种事件结构可识别的字段，缺失时按 false 处理而不是视为未识别。
var knownFields = map[event.Kind]map[string]struct{}{
	event.KindCodeHosting: set("type", "repository", "actor", "merged", "labels", "stars", "action", "number"),
	event.KindSocial:      set("username", "likes", "retweets", "replies", "text", "mentions"),
	event.KindOnChain:     set("network", "blockNumber", "value", "from", "to", "token", "txHash"),
}

var (
	placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)
	mergedPattern      = regexp.MustCompile(`(?i)^(?:pr\s+|is\s+|pull_request\.)?merged$`)
	labelsPattern      = regexp.MustCompile(`(?i)^labels?\s+(?:contains|includes|has)\s+(.+)$`)
	labelsCallPattern  = regexp.MustCompile(`(?i)^labels\.includes\(\s*(.+?)\s*\)$`)
	textPattern        = regexp.MustCompile(`(?i)^text\s+contains\s+(.+)$`)
	mentionPattern     = regexp.MustCompile(`(?i)^mentions?\s+@?(\S+)$`)
	comparePattern     = regexp.MustCompile(`^([A-Za-z_][\w.]*)\s*(==|!=|>=|<=|>|<)\s*(.+)$`)
	keywordPattern     = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

// clauseResult 是单个子句的求值结果，matched=false 表示文本未被任何模式识别。
type clauseResult struct {
	value   bool
	matched bool
}

// EvaluateCondition 判断条件是否满足。任何内部错误（包括 panic）都视为不满足。
func EvaluateCondition(cond agent.Condition, ev *event.Event, policy agent.UnmatchedPolicy) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	if ev == nil {
		return false
	}
	if cond.Node != nil {
		result, err := evalNode(*cond.Node, ev, 0)
		return err == nil && result
	}
	if cond.OnUnmatched != "" {
		policy = cond.OnUnmatched
	}
	result, err := evalExpression(cond.Expression, cond.Params, ev, policy)
	return err == nil && result
}

func evalExpression(expr string, params map[string]any, ev *event.Event, policy agent.UnmatchedPolicy) (bool, error) {
	expr = strings.TrimSpace(substitute(expr, params))
	if expr == "" {
		return true, nil
	}
	// && 优先级高于 ||，从左到右求值。
	for _, disjunct := range strings.Split(expr, "||") {
		all := true
		for _, clause := range strings.Split(disjunct, "&&") {
			res, err := evalClause(strings.TrimSpace(clause), params, ev)
			if err != nil {
				return false, err
			}
			value := res.value
			if !res.matched {
				value = policy != agent.UnmatchedFail
			}
			if !value {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func substitute(expr string, params map[string]any) string {
	if len(params) == 0 {
		return expr
	}
	return placeholderPattern.ReplaceAllStringFunc(expr, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := params[name]; ok {
			return fmt.Sprint(v)
		}
		return m
	})
}

func evalClause(clause string, params map[string]any, ev *event.Event) (clauseResult, error) {
	negate := false
	if strings.HasPrefix(clause, "!") && !strings.HasPrefix(clause, "!=") {
		negate = true
		clause = strings.TrimSpace(clause[1:])
	}
	res, err := matchClause(clause, params, ev)
	if err != nil || !res.matched {
		return res, err
	}
	if negate {
		res.value = !res.value
	}
	return res, nil
}

func matchClause(clause string, params map[string]any, ev *event.Event) (clauseResult, error) {
	switch {
	case clause == "":
		return clauseResult{value: true, matched: true}, nil
	case strings.EqualFold(clause, "true"):
		return clauseResult{value: true, matched: true}, nil
	case strings.EqualFold(clause, "false"):
		return clauseResult{value: false, matched: true}, nil
	}

	if ev.Kind == event.KindCodeHosting {
		if mergedPattern.MatchString(clause) {
			return clauseResult{value: ev.Field("merged").Bool(), matched: true}, nil
		}
		if m := labelsCallPattern.FindStringSubmatch(clause); m != nil {
			return clauseResult{value: hasLabel(ev, unquote(m[1])), matched: true}, nil
		}
		if m := labelsPattern.FindStringSubmatch(clause); m != nil {
			return clauseResult{value: hasLabel(ev, unquote(m[1])), matched: true}, nil
		}
	}
	if ev.Kind == event.KindSocial {
		if m := textPattern.FindStringSubmatch(clause); m != nil {
			needle := strings.ToLower(unquote(m[1]))
			return clauseResult{value: strings.Contains(strings.ToLower(ev.Field("text").String()), needle), matched: true}, nil
		}
		if m := mentionPattern.FindStringSubmatch(clause); m != nil {
			return clauseResult{value: mentions(ev, unquote(m[1])), matched: true}, nil
		}
	}
	if m := comparePattern.FindStringSubmatch(clause); m != nil {
		return compareField(ev, m[1], m[2], unquote(strings.TrimSpace(m[3])))
	}
	if keywordPattern.MatchString(clause) {
		return keywordClause(clause, params, ev)
	}
	return clauseResult{}, nil
}

// keywordClause 处理只写关键字、参数来自 params 的条件，例如 "label" + params.label。
func keywordClause(keyword string, params map[string]any, ev *event.Event) (clauseResult, error) {
	switch strings.ToLower(keyword) {
	case "label", "labels":
		if label, ok := params["label"]; ok && ev.Kind == event.KindCodeHosting {
			return clauseResult{value: hasLabel(ev, fmt.Sprint(label)), matched: true}, nil
		}
	case "mention", "mentions":
		if mention, ok := params["mention"]; ok && ev.Kind == event.KindSocial {
			return clauseResult{value: mentions(ev, fmt.Sprint(mention)), matched: true}, nil
		}
	}
	if threshold, ok := params["threshold"]; ok {
		if _, known := knownFields[ev.Kind][keyword]; known {
			return compareField(ev, keyword, ">=", fmt.Sprint(threshold))
		}
	}
	return clauseResult{}, nil
}

func compareField(ev *event.Event, field, op, raw string) (clauseResult, error) {
	res := ev.Field(field)
	if !res.Exists() {
		if _, known := knownFields[ev.Kind][field]; known {
			return clauseResult{value: false, matched: true}, nil
		}
		return clauseResult{}, nil
	}
	value, err := compare(res, op, raw)
	if err != nil {
		return clauseResult{}, err
	}
	return clauseResult{value: value, matched: true}, nil
}

// compare 比较字段值与字面量。两侧都是数字时按十进制比较，否则只支持相等判断。
func compare(res gjson.Result, op, raw string) (bool, error) {
	left, leftNum := event.Number(res)
	right, rightErr := decimal.NewFromString(raw)
	if leftNum && rightErr == nil {
		switch op {
		case "==":
			return left.Equal(right), nil
		case "!=":
			return !left.Equal(right), nil
		case ">":
			return left.GreaterThan(right), nil
		case ">=":
			return left.GreaterThanOrEqual(right), nil
		case "<":
			return left.LessThan(right), nil
		case "<=":
			return left.LessThanOrEqual(right), nil
		}
	}
	switch op {
	case "==":
		return strings.EqualFold(res.String(), raw), nil
	case "!=":
		return !strings.EqualFold(res.String(), raw), nil
	}
	return false, fmt.Errorf("operator %s requires numeric operands, got %q and %q", op, res.String(), raw)
}

func hasLabel(ev *event.Event, label string) bool {
	label = strings.TrimSpace(label)
	found := false
	ev.Field("labels").ForEach(func(_, item gjson.Result) bool {
		name := item.String()
		if item.IsObject() {
			name = item.Get("name").String()
		}
		if strings.EqualFold(name, label) {
			found = true
			return false
		}
		return true
	})
	return found
}

func mentions(ev *event.Event, handle string) bool {
	handle = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if handle == "" {
		return false
	}
	found := false
	ev.Field("mentions").ForEach(func(_, item gjson.Result) bool {
		if strings.EqualFold(strings.TrimPrefix(item.String(), "@"), handle) {
			found = true
			return false
		}
		return true
	})
	if found {
		return true
	}
	return strings.Contains(strings.ToLower(ev.Field("text").String()), "@"+handle)
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '\'' || first == '"') && first == last {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func set(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
