package grammar_test

import (
	"os"
	"strings"
	"testing"

	"github.com/MrWong99/voxintent/pkg/intent/grammar"
)

func loadCoffee(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/coffee.yml")
	if err != nil {
		t.Fatalf("read testdata: %v", err)
	}
	return data
}

func TestParseContext_Coffee(t *testing.T) {
	t.Parallel()
	c, err := grammar.ParseContext(loadCoffee(t))
	if err != nil {
		t.Fatalf("ParseContext: %v", err)
	}
	names := c.IntentNames()
	if len(names) != 2 || names[0] != "orderBeverage" || names[1] != "cancelOrder" {
		t.Errorf("IntentNames = %v, want document order", names)
	}
	if len(c.Slots["size"]) != 4 {
		t.Errorf("size slot has %d values, want 4", len(c.Slots["size"]))
	}
	if got := c.Slots["beverage"][3].Words; len(got) != 2 || got[0] != "hot" {
		t.Errorf("multi-word slot value words = %v", got)
	}
}

func TestParseContext_Info(t *testing.T) {
	t.Parallel()
	c, err := grammar.ParseContext(loadCoffee(t))
	if err != nil {
		t.Fatalf("ParseContext: %v", err)
	}
	info := c.Info()
	for _, want := range []string{"context:", "orderBeverage:", "$size:size", "beverage:", "hot chocolate"} {
		if !strings.Contains(info, want) {
			t.Errorf("Info() missing %q:\n%s", want, info)
		}
	}

	// The rendered info is itself a valid context.
	again, err := grammar.ParseContext([]byte(info))
	if err != nil {
		t.Fatalf("re-parse Info(): %v", err)
	}
	if again.Info() != info {
		t.Error("Info() is not stable across a parse round")
	}
}

func TestParseContext_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "not yaml", yaml: "context: [", want: "decode"},
		{name: "unknown field", yaml: "context:\n  expressions:\n    a: [hi]\n  extra: 1\n", want: "decode"},
		{name: "no expressions", yaml: "context:\n  slots:\n    a: [b]\n", want: "no expressions"},
		{name: "empty intent", yaml: "context:\n  expressions:\n    a: []\n", want: "no expressions"},
		{name: "unknown slot", yaml: "context:\n  expressions:\n    a: [\"turn $state:state\"]\n", want: "unknown slot type"},
		{name: "bad slot ref", yaml: "context:\n  expressions:\n    a: [\"turn $state\"]\n  slots:\n    state: [on]\n", want: "$type:name"},
		{name: "unterminated", yaml: "context:\n  expressions:\n    a: [\"[on, off\"]\n", want: "unterminated"},
		{name: "empty alternative", yaml: "context:\n  expressions:\n    a: [\"[on, ]\"]\n", want: "empty alternative"},
		{name: "duplicate slot name", yaml: "context:\n  expressions:\n    a: [\"$s:x $s:x\"]\n  slots:\n    s: [on]\n", want: "used twice"},
		{name: "empty slot type", yaml: "context:\n  expressions:\n    a: [hi]\n  slots:\n    s: []\n", want: "no values"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := grammar.ParseContext([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}
