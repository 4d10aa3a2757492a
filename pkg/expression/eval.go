// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package expression

import (
	"fmt"
	"reflect"
	"strings"
)

func (n *literalNode) eval(env map[string]any) (any, error) { return n.value, nil }

func (n *pathNode) eval(env map[string]any) (any, error) {
	cur, ok := env[n.root]
	if !ok {
		return nil, fmt.Errorf("expression: undefined variable %q", n.root)
	}
	for _, seg := range n.segments {
		if seg.index != nil {
			idxVal, err := seg.index.eval(env)
			if err != nil {
				return nil, err
			}
			cur, err = indexInto(cur, idxVal)
			if err != nil {
				return nil, err
			}
			continue
		}
		var err error
		cur, err = fieldInto(cur, seg.field)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func fieldInto(v any, field string) (any, error) {
	switch m := v.(type) {
	case map[string]any:
		return m[field], nil
	case map[string]string:
		return m[field], nil
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Map {
			val := rv.MapIndex(reflect.ValueOf(field))
			if !val.IsValid() {
				return nil, nil
			}
			return val.Interface(), nil
		}
		return nil, fmt.Errorf("expression: cannot access field %q on %T", field, v)
	}
}

func indexInto(v any, idx any) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		i, ok := toInt(idx)
		if !ok || i < 0 || i >= rv.Len() {
			return nil, fmt.Errorf("expression: index %v out of range", idx)
		}
		return rv.Index(i).Interface(), nil
	case reflect.Map:
		key := reflect.ValueOf(idx)
		val := rv.MapIndex(key)
		if !val.IsValid() {
			return nil, nil
		}
		return val.Interface(), nil
	default:
		return nil, fmt.Errorf("expression: cannot index into %T", v)
	}
}

func (n *unaryNode) eval(env map[string]any) (any, error) {
	v, err := n.expr.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokNot:
		return !truthy(v), nil
	case tokMinus:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("expression: cannot negate %T", v)
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("expression: unknown unary operator")
	}
}

func (n *binaryNode) eval(env map[string]any) (any, error) {
	switch n.op {
	case tokAnd:
		left, err := n.left.eval(env)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return false, nil
		}
		right, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil

	case tokOr:
		left, err := n.left.eval(env)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return true, nil
		}
		right, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokEq:
		return valuesEqual(left, right), nil
	case tokNeq:
		return !valuesEqual(left, right), nil
	case tokLt, tokLte, tokGt, tokGte:
		return compareNumbersOrStrings(n.op, left, right)
	case tokPlus:
		return arith(n.op, left, right)
	case tokMinus, tokStar, tokSlash, tokPercent:
		return arith(n.op, left, right)
	default:
		return nil, fmt.Errorf("expression: unknown binary operator")
	}
}

func (n *callNode) eval(env map[string]any) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	fn, ok := builtins[n.name]
	if !ok {
		return nil, fmt.Errorf("expression: unknown function %q", n.name)
	}
	return fn(args)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Map, reflect.Array:
			return rv.Len() > 0
		}
		return true
	}
}

func toFloat(v any) (float64, bool) {
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

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compareNumbersOrStrings(op tokenKind, a, b any) (any, error) {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return compareOrdered(op, strings.Compare(as, bs) < 0, strings.Compare(as, bs) > 0, as == bs), nil
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("expression: cannot compare %T and %T", a, b)
	}
	return compareOrdered(op, af < bf, af > bf, af == bf), nil
}

func compareOrdered(op tokenKind, less, greater, equal bool) bool {
	switch op {
	case tokLt:
		return less
	case tokLte:
		return less || equal
	case tokGt:
		return greater
	case tokGte:
		return greater || equal
	default:
		return false
	}
}

func arith(op tokenKind, a, b any) (any, error) {
	if op == tokPlus {
		if as, ok := a.(string); ok {
			if bs, ok := b.(string); ok {
				return as + bs, nil
			}
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("expression: cannot apply arithmetic to %T and %T", a, b)
	}
	switch op {
	case tokPlus:
		return af + bf, nil
	case tokMinus:
		return af - bf, nil
	case tokStar:
		return af * bf, nil
	case tokSlash:
		if bf == 0 {
			return nil, fmt.Errorf("expression: division by zero")
		}
		return af / bf, nil
	case tokPercent:
		if bf == 0 {
			return nil, fmt.Errorf("expression: modulo by zero")
		}
		return float64(int(af) % int(bf)), nil
	default:
		return nil, fmt.Errorf("expression: unknown arithmetic operator")
	}
}
