package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"
)

// toStarlark converts a Go value built from plain primitives, slices, and
// maps into the equivalent Starlark value. It is the host-to-bot direction
// of the bridge across the seven entry points.
func toStarlark(v any) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case string:
		return starlark.String(t), nil
	case []int:
		list := starlark.NewList(nil)
		for _, n := range t {
			if err := list.Append(starlark.MakeInt(n)); err != nil {
				return nil, err
			}
		}
		return list, nil
	case []string:
		list := starlark.NewList(nil)
		for _, s := range t {
			if err := list.Append(starlark.String(s)); err != nil {
				return nil, err
			}
		}
		return list, nil
	case [2]int:
		return starlark.Tuple{starlark.MakeInt(t[0]), starlark.MakeInt(t[1])}, nil
	case map[int]string:
		dict := starlark.NewDict(len(t))
		for k, val := range t {
			if err := dict.SetKey(starlark.MakeInt(k), starlark.String(val)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]any:
		dict := starlark.NewDict(len(t))
		for k, val := range t {
			sv, err := toStarlark(val)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case [][]int:
		rows := starlark.NewList(nil)
		for _, row := range t {
			sv, err := toStarlark(row)
			if err != nil {
				return nil, err
			}
			if err := rows.Append(sv); err != nil {
				return nil, err
			}
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("sandbox: unsupported host value type %T", v)
	}
}

// fromStarlark converts a bot's return value into a plain Go value the
// Referee can type-switch over: bool, int64, string, or []any. Anything
// else, dicts included, is returned as an error describing the offending Starlark
// type, which the Referee turns into a player_return_ERROR.
func fromStarlark(v starlark.Value) (any, error) {
	switch t := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(t), nil
	case starlark.Int:
		n, ok := t.Int64()
		if !ok {
			return nil, fmt.Errorf("sandbox: integer out of range: %s", t.String())
		}
		return n, nil
	case starlark.String:
		return string(t), nil
	case starlark.Tuple:
		return fromSequence(t)
	case *starlark.List:
		items := make([]starlark.Value, 0, t.Len())
		for i := 0; i < t.Len(); i++ {
			items = append(items, t.Index(i))
		}
		return fromSequence(items)
	default:
		return nil, fmt.Errorf("sandbox: unsupported bot return type %s", v.Type())
	}
}

func fromSequence(items []starlark.Value) ([]any, error) {
	out := make([]any, 0, len(items))
	for _, item := range items {
		val, err := fromStarlark(item)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}

// asInt coerces a converted bot return value to int, failing if it is not
// an integral type. Used by callers that expect e.g. an assassination target.
func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int64:
		return int(t), true
	case int:
		return t, true
	}
	return 0, false
}

// asIntSlice coerces a []any of integral values to []int.
func asIntSlice(v any) ([]int, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, ok := asInt(item)
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

// asStringSlice coerces a []any of strings to []string.
func asStringSlice(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
