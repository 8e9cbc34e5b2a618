package selector

import (
	"github.com/dop251/goja"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// restricted globals are hidden from selection expressions.
var restricted = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"eval",
}

// helpers are the functions every expression can call.
var helpers = []string{"title", "upper", "lower"}

// newVM creates a runtime with the selection helpers installed.
func newVM() *goja.Runtime {
	vm := goja.New()
	for _, name := range restricted {
		_ = vm.Set(name, goja.Undefined())
	}

	// cases.Caser is stateful, so each runtime gets its own.
	titler := cases.Title(language.Und)
	upper := cases.Upper(language.Und)
	lower := cases.Lower(language.Und)

	_ = vm.Set("title", func(s string) string { return titler.String(s) })
	_ = vm.Set("upper", func(s string) string { return upper.String(s) })
	_ = vm.Set("lower", func(s string) string { return lower.String(s) })
	return vm
}
