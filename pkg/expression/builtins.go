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

type builtinFunc func(args []any) (any, error)

// builtins mirrors the small function set a workflow condition actually
// needs: membership, length and substring checks. Anything fancier belongs
// in a step executor, not the condition language.
var builtins = map[string]builtinFunc{
	"has":      builtinHas,
	"includes": builtinIncludes,
	"length":   builtinLength,
	"contains": builtinContains,
}

func builtinHas(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expression: has() takes 2 arguments")
	}
	container, key := args[0], args[1]
	rv := reflect.ValueOf(container)
	switch rv.Kind() {
	case reflect.Map:
		k, ok := key.(string)
		if !ok {
			return false, nil
		}
		return rv.MapIndex(reflect.ValueOf(k)).IsValid(), nil
	default:
		return false, nil
	}
}

func builtinIncludes(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expression: includes() takes 2 arguments")
	}
	container, target := args[0], args[1]
	if s, ok := container.(string); ok {
		t, ok := target.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(s, t), nil
	}
	rv := reflect.ValueOf(container)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, nil
	}
	for i := 0; i < rv.Len(); i++ {
		if valuesEqual(rv.Index(i).Interface(), target) {
			return true, nil
		}
	}
	return false, nil
}

func builtinLength(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expression: length() takes 1 argument")
	}
	switch v := args[0].(type) {
	case string:
		return float64(len([]rune(v))), nil
	case nil:
		return float64(0), nil
	}
	rv := reflect.ValueOf(args[0])
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return float64(rv.Len()), nil
	default:
		return nil, fmt.Errorf("expression: length() cannot operate on %T", args[0])
	}
}

func builtinContains(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expression: contains() takes 2 arguments")
	}
	s, ok := args[0].(string)
	if !ok {
		return false, nil
	}
	sub, ok := args[1].(string)
	if !ok {
		return false, nil
	}
	return strings.Contains(s, sub), nil
}
