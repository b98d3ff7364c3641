package sandbox

import (
	"errors"
	"reflect"
	"testing"

	"go.starlark.net/starlark"
)

func TestToStarlarkRoundTripsPrimitives(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"int", 42, int64(42)},
		{"string", "hello", "hello"},
		{"int slice", []int{1, 2, 3}, []any{int64(1), int64(2), int64(3)}},
		{"string slice", []string{"up", "down"}, []any{"up", "down"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sv, err := toStarlark(tc.in)
			if err != nil {
				t.Fatalf("toStarlark(%v): %v", tc.in, err)
			}
			got, err := fromStarlark(sv)
			if err != nil {
				t.Fatalf("fromStarlark: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("round trip mismatch: got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestToStarlarkUnsupportedTypeErrors(t *testing.T) {
	if _, err := toStarlark(3.14); err == nil {
		t.Fatal("expected an error converting an unsupported host type")
	}
}

func TestFromStarlarkUnsupportedTypeErrors(t *testing.T) {
	if _, err := fromStarlark(starlark.Float(1.5)); err == nil {
		t.Fatal("expected an error converting an unsupported starlark type")
	}
}

func TestAsIntSliceRejectsMixedTypes(t *testing.T) {
	if _, ok := asIntSlice([]any{int64(1), "not an int"}); ok {
		t.Fatal("expected asIntSlice to reject a non-integral element")
	}
}

func TestAsStringSliceRejectsMixedTypes(t *testing.T) {
	if _, ok := asStringSlice([]any{"ok", int64(1)}); ok {
		t.Fatal("expected asStringSlice to reject a non-string element")
	}
}

func TestCallMissingEntryPointIsPlayerFault(t *testing.T) {
	bot := &Bot{player: 4, globals: starlark.StringDict{}}
	_, err := bot.Call("walk")
	if err == nil {
		t.Fatal("expected an error calling a missing entry point")
	}
	var fault *PlayerFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected a *PlayerFault, got %T: %v", err, err)
	}
	if fault.Player != 4 || fault.Kind != FaultRuntime {
		t.Fatalf("unexpected fault: %+v", fault)
	}
}
