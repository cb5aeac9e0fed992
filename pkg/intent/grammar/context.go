package grammar

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Context is a parsed speech-to-intent context: the intents it recognises,
// the expressions that trigger each intent, and the slot vocabularies those
// expressions reference.
//
// The YAML form is:
//
//	context:
//	  expressions:
//	    orderBeverage:
//	      - "[I want, I'd like] (a, an) $size:size $beverage:beverage (please)"
//	  slots:
//	    size: [small, medium, large]
//	    beverage: [coffee, tea]
type Context struct {
	Intents []Intent
	Slots   map[string][]SlotValue
}

// Intent is one named intent and its compiled expressions.
type Intent struct {
	Name        string
	Expressions []Expression
}

// SlotValue is one entry of a slot vocabulary. Words is the normalised form
// used for matching; Value is reported in the inference.
type SlotValue struct {
	Value string
	Words []string
}

type contextFile struct {
	Context struct {
		Expressions yaml.Node           `yaml:"expressions"`
		Slots       map[string][]string `yaml:"slots"`
	} `yaml:"context"`
}

// ParseContext decodes and compiles a YAML context. Intent order follows the
// document so ties between equally good matches resolve deterministically.
func ParseContext(data []byte) (*Context, error) {
	var f contextFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("grammar: decode context: %w", err)
	}

	c := &Context{Slots: make(map[string][]SlotValue, len(f.Context.Slots))}
	for typ, values := range f.Context.Slots {
		if len(values) == 0 {
			return nil, fmt.Errorf("grammar: slot type %q has no values", typ)
		}
		for _, v := range values {
			words := normalize(v)
			if len(words) == 0 {
				return nil, fmt.Errorf("grammar: slot type %q has an empty value", typ)
			}
			c.Slots[typ] = append(c.Slots[typ], SlotValue{Value: v, Words: words})
		}
	}

	exprs := f.Context.Expressions
	if exprs.Kind != yaml.MappingNode || len(exprs.Content) == 0 {
		return nil, fmt.Errorf("grammar: context defines no expressions")
	}
	for i := 0; i+1 < len(exprs.Content); i += 2 {
		name := exprs.Content[i].Value
		var raw []string
		if err := exprs.Content[i+1].Decode(&raw); err != nil {
			return nil, fmt.Errorf("grammar: intent %q: %w", name, err)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("grammar: intent %q has no expressions", name)
		}
		in := Intent{Name: name}
		for _, src := range raw {
			e, err := parseExpression(src)
			if err != nil {
				return nil, fmt.Errorf("grammar: intent %q: %w", name, err)
			}
			for _, typ := range e.slotTypes() {
				if _, ok := c.Slots[typ]; !ok {
					return nil, fmt.Errorf("grammar: intent %q references unknown slot type %q", name, typ)
				}
			}
			in.Expressions = append(in.Expressions, e)
		}
		c.Intents = append(c.Intents, in)
	}
	return c, nil
}

// Info renders the context as canonical YAML.
func (c *Context) Info() string {
	var b strings.Builder
	b.WriteString("context:\n  expressions:\n")
	for _, in := range c.Intents {
		fmt.Fprintf(&b, "    %s:\n", in.Name)
		for _, e := range in.Expressions {
			fmt.Fprintf(&b, "      - %q\n", e.Source)
		}
	}
	if len(c.Slots) > 0 {
		b.WriteString("  slots:\n")
		types := make([]string, 0, len(c.Slots))
		for typ := range c.Slots {
			types = append(types, typ)
		}
		slices.Sort(types)
		for _, typ := range types {
			fmt.Fprintf(&b, "    %s:\n", typ)
			for _, v := range c.Slots[typ] {
				fmt.Fprintf(&b, "      - %q\n", v.Value)
			}
		}
	}
	return b.String()
}

// IntentNames returns the intent names in document order.
func (c *Context) IntentNames() []string {
	names := make([]string, len(c.Intents))
	for i, in := range c.Intents {
		names[i] = in.Name
	}
	return names
}
