package render

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultHookTimeout bounds a hook run when none is configured.
const DefaultHookTimeout = 5 * time.Second

// derivedGlobal is the global a hook assigns its variables to.
const derivedGlobal = "derived"

// Hook runs a Starlark script that derives extra module variables from the
// request and the rendered vars, both predeclared as frozen dicts:
//
//	derived = {
//	    "node_group_name": request["cluster_name"] + "-" + vars["instance_type"].replace(".", "-"),
//	}
type Hook struct {
	name    string
	script  string
	timeout time.Duration
}

// NewHook creates a hook from script source.
func NewHook(name, script string, timeout time.Duration) *Hook {
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	return &Hook{name: name, script: script, timeout: timeout}
}

// Derive executes the script and returns the dict it assigned to derived.
// A script that assigns nothing derives nothing.
func (h *Hook) Derive(ctx context.Context, request, vars map[string]interface{}) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "render-hook",
		Print: func(_ *starlark.Thread, msg string) {
			// Hooks have no output channel.
		},
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for name, input := range map[string]map[string]interface{}{"request": request, "vars": vars} {
		value, err := toStarlarkValue(input)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", name, err)
		}
		value.Freeze()
		predeclared[name] = value
	}

	globals, err := starlark.ExecFile(thread, h.name, h.script, predeclared)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("hook %s timed out after %v", h.name, h.timeout)
		}
		return nil, fmt.Errorf("hook %s failed: %w", h.name, err)
	}

	value, ok := globals[derivedGlobal]
	if !ok {
		return map[string]interface{}{}, nil
	}
	out, err := fromStarlarkValue(value)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", h.name, err)
	}
	derived, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("hook %s: %s must be a dict or struct, got %s", h.name, derivedGlobal, value.Type())
	}
	return derived, nil
}

// toStarlarkValue converts a decoded JSON value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		// JSON numbers arrive as float64; keep whole numbers integral.
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a JSON-encodable value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
