package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

type operatorFunc func(field gjson.Result, value interface{}) (bool, error)

var operators = map[string]operatorFunc{
	"equals":           opEquals,
	"eq":               opEquals,
	"not_equals":       negate(opEquals),
	"ne":               negate(opEquals),
	"greater_than":     compare(func(c int) bool { return c > 0 }),
	"gt":               compare(func(c int) bool { return c > 0 }),
	"greater_or_equal": compare(func(c int) bool { return c >= 0 }),
	"gte":              compare(func(c int) bool { return c >= 0 }),
	"less_than":        compare(func(c int) bool { return c < 0 }),
	"lt":               compare(func(c int) bool { return c < 0 }),
	"less_or_equal":    compare(func(c int) bool { return c <= 0 }),
	"lte":              compare(func(c int) bool { return c <= 0 }),
	"in":               opIn,
	"not_in":           negate(opIn),
	"exists":           func(f gjson.Result, _ interface{}) (bool, error) { return f.Exists(), nil },
	"not_exists":       func(f gjson.Result, _ interface{}) (bool, error) { return !f.Exists(), nil },
	"contains":         opContains,
}

// evaluateConditions reports whether every condition holds against ctx.
// An empty list always holds.
func evaluateConditions(conds []models.Condition, ctx models.Context) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	doc, err := json.Marshal(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to encode instance context")
	}
	for _, c := range conds {
		op, ok := operators[strings.ToLower(c.Operator)]
		if !ok {
			return false, fmt.Errorf("unknown condition operator %q on field %q", c.Operator, c.Field)
		}
		ok, err := op(gjson.GetBytes(doc, c.Field), c.Value)
		if err != nil {
			return false, errors.Wrapf(err, "condition on %q", c.Field)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func negate(op operatorFunc) operatorFunc {
	return func(f gjson.Result, v interface{}) (bool, error) {
		ok, err := op(f, v)
		return !ok, err
	}
}

func opEquals(f gjson.Result, v interface{}) (bool, error) {
	if !f.Exists() {
		return v == nil, nil
	}
	switch want := v.(type) {
	case nil:
		return f.Type == gjson.Null, nil
	case bool:
		return (f.Type == gjson.True || f.Type == gjson.False) && f.Bool() == want, nil
	case string:
		return f.String() == want, nil
	}
	if n, ok := toFloat(v); ok {
		return f.Type == gjson.Number && f.Float() == n, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	return gjson.ParseBytes(raw).Raw == f.Raw, nil
}

func compare(pred func(int) bool) operatorFunc {
	return func(f gjson.Result, v interface{}) (bool, error) {
		if !f.Exists() {
			return false, nil
		}
		if n, ok := toFloat(v); ok {
			if f.Type != gjson.Number {
				return false, nil
			}
			got := f.Float()
			switch {
			case got > n:
				return pred(1), nil
			case got < n:
				return pred(-1), nil
			}
			return pred(0), nil
		}
		s, ok := v.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare against %T", v)
		}
		return pred(strings.Compare(f.String(), s)), nil
	}
}

func opIn(f gjson.Result, v interface{}) (bool, error) {
	list, ok := v.([]interface{})
	if !ok {
		return false, fmt.Errorf("operator in expects a list, got %T", v)
	}
	for _, item := range list {
		ok, err := opEquals(f, item)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func opContains(f gjson.Result, v interface{}) (bool, error) {
	if !f.Exists() {
		return false, nil
	}
	if f.IsArray() {
		for _, item := range f.Array() {
			ok, err := opEquals(item, v)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return strings.Contains(f.String(), fmt.Sprint(v)), nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
