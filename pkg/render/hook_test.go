package render

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.starlark.net/starlark"
)

func TestHookDerive(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		want    map[string]interface{}
		wantErr string
	}{
		{
			name:   "dict",
			script: `derived = {"subnets": [vars["cidr"] + "/" + str(n) for n in range(20, 22)]}`,
			want:   map[string]interface{}{"subnets": []interface{}{"10.0.0.0/20", "10.0.0.0/21"}},
		},
		{
			name:   "struct",
			script: `derived = struct(label = request["cluster_name"].upper(), spot = False)`,
			want:   map[string]interface{}{"label": "DEMO-1", "spot": false},
		},
		{
			name:   "nothing derived",
			script: `_unused = 1`,
			want:   map[string]interface{}{},
		},
		{
			name:    "wrong type",
			script:  `derived = ["a"]`,
			wantErr: "must be a dict or struct",
		},
		{
			name:    "inputs are frozen",
			script:  `vars["cidr"] = "0.0.0.0/0"`,
			wantErr: "frozen",
		},
		{
			name:    "runtime error",
			script:  `derived = {"x": request["missing"]}`,
			wantErr: "failed",
		},
	}

	request := map[string]interface{}{"cluster_name": "demo-1"}
	vars := map[string]interface{}{"cidr": "10.0.0.0"}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := NewHook("test.star", tt.script, time.Second)
			got, err := hook.Derive(context.Background(), request, vars)

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for key, value := range tt.want {
				if gotList, ok := got[key].([]interface{}); ok {
					wantList := value.([]interface{})
					if len(gotList) != len(wantList) || gotList[0] != wantList[0] || gotList[1] != wantList[1] {
						t.Errorf("%s: expected %v, got %v", key, wantList, gotList)
					}
					continue
				}
				if got[key] != value {
					t.Errorf("%s: expected %v, got %v", key, value, got[key])
				}
			}
		})
	}
}

func TestHookTimeout(t *testing.T) {
	hook := NewHook("loop.star", "def spin():\n    for i in range(1000000000):\n        pass\n\nspin()\n", 50*time.Millisecond)

	start := time.Now()
	_, err := hook.Derive(context.Background(), nil, nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("hook was not cancelled promptly, took %v", elapsed)
	}
}

func TestNewHookDefaultTimeout(t *testing.T) {
	if h := NewHook("x.star", "", 0); h.timeout != DefaultHookTimeout {
		t.Errorf("expected default timeout, got %v", h.timeout)
	}
}

func TestStarlarkConversion(t *testing.T) {
	value, err := toStarlarkValue(map[string]interface{}{
		"count":  float64(3),
		"ratio":  0.5,
		"labels": []interface{}{"a", nil, true},
	})
	if err != nil {
		t.Fatal(err)
	}

	dict := value.(*starlark.Dict)
	count, _, _ := dict.Get(starlark.String("count"))
	if _, ok := count.(starlark.Int); !ok {
		t.Errorf("expected whole JSON numbers to become ints, got %s", count.Type())
	}
	ratio, _, _ := dict.Get(starlark.String("ratio"))
	if _, ok := ratio.(starlark.Float); !ok {
		t.Errorf("expected fractions to stay floats, got %s", ratio.Type())
	}

	back, err := fromStarlarkValue(value)
	if err != nil {
		t.Fatal(err)
	}
	m := back.(map[string]interface{})
	if m["count"] != int64(3) || m["ratio"] != 0.5 {
		t.Errorf("unexpected round trip %v", m)
	}

	if _, err := toStarlarkValue(struct{}{}); err == nil {
		t.Error("expected error for unsupported Go type")
	}
	if _, err := fromStarlarkValue(starlark.NewSet(0)); err == nil {
		t.Error("expected error for unsupported Starlark type")
	}
}
