package selector

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/dop251/goja"
)

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// param is one parameter of a compiled expression. A plain parameter takes
// the value at index; an owner parameter takes an object built from the
// dotted names that share its prefix.
type param struct {
	name  string
	index int
	props []prop
}

type prop struct {
	name  string
	index int
}

// scope is the set of names an expression may reference, in parameter order.
// Names that are not identifiers are unreachable from expressions.
type scope struct {
	params []param
}

func newScope(names []string) scope {
	var sc scope
	owners := map[string]int{}
	for i, name := range names {
		if owner, field, ok := strings.Cut(name, "."); ok {
			if !identifier.MatchString(owner) {
				continue
			}
			pos, seen := owners[owner]
			if seen && sc.params[pos].props == nil {
				continue
			}
			if !seen {
				pos = len(sc.params)
				owners[owner] = pos
				sc.params = append(sc.params, param{name: owner, index: -1})
			}
			sc.params[pos].props = append(sc.params[pos].props, prop{name: field, index: i})
			continue
		}
		if !identifier.MatchString(name) {
			continue
		}
		if _, seen := owners[name]; seen {
			continue
		}
		owners[name] = len(sc.params)
		sc.params = append(sc.params, param{name: name, index: i})
	}
	return sc
}

// checkHelpers rejects names that would hide a selection helper.
func (sc scope) checkHelpers() error {
	for _, p := range sc.params {
		if slices.Contains(helpers, p.name) {
			return fmt.Errorf("attribute %s hides the %s helper", p.name, p.name)
		}
	}
	return nil
}

// compile wraps expr in a function taking the scope's names as parameters.
func (sc scope) compile(label, expr string) (*goja.Program, error) {
	names := make([]string, len(sc.params))
	for i, p := range sc.params {
		names[i] = p.name
	}
	src := "(function(" + strings.Join(names, ", ") + ") {\nreturn (" + expr + ");\n})"
	return goja.Compile(label, src, false)
}

// args builds the call arguments for values laid out like the scope's names.
func (sc scope) args(vm *goja.Runtime, values []any) []goja.Value {
	at := func(i int) any {
		if i < 0 || i >= len(values) {
			return nil
		}
		return values[i]
	}
	out := make([]goja.Value, len(sc.params))
	for i, p := range sc.params {
		if p.props == nil {
			out[i] = vm.ToValue(at(p.index))
			continue
		}
		obj := make(map[string]any, len(p.props))
		for _, pr := range p.props {
			obj[pr.name] = at(pr.index)
		}
		out[i] = vm.ToValue(obj)
	}
	return out
}

// callable runs a compiled expression wrapper on vm and returns the function.
func callable(vm *goja.Runtime, prog *goja.Program) (goja.Callable, error) {
	v, err := vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("expression did not compile to a function")
	}
	return fn, nil
}
