// Package strategy manages user-authored trading strategies: declarative
// specs, code strategies written as interpreted Go source, and their
// immutable version history.
package strategy

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/aristath/finagent/internal/errs"
)

// Strategy sources implement three entry points with fixed shapes:
//
//	func Prepare(bundle, context map[string]interface{}) map[string]interface{}
//	func GenerateSignals(frame []map[string]interface{}, state, context map[string]interface{}) []map[string]interface{}
//	func RiskRules(positions []map[string]interface{}, context map[string]interface{}) map[string]interface{}
var requiredSignatures = map[string]int{
	"Prepare":         2,
	"GenerateSignals": 3,
	"RiskRules":       2,
}

// Interpreted strategies get pure computation only. Anything that can reach
// the filesystem, network or process state is rejected at validation time.
var blockedImports = map[string]bool{
	"os":            true,
	"os/exec":       true,
	"io":            true,
	"io/fs":         true,
	"io/ioutil":     true,
	"net":           true,
	"net/http":      true,
	"path/filepath": true,
	"plugin":        true,
	"reflect":       true,
	"runtime":       true,
	"syscall":       true,
	"unsafe":        true,
}

// PrepareFunc is the prepared-state entry point of a strategy.
type PrepareFunc func(map[string]interface{}, map[string]interface{}) map[string]interface{}

// SignalsFunc turns a price frame and prepared state into signal rows.
type SignalsFunc func([]map[string]interface{}, map[string]interface{}, map[string]interface{}) []map[string]interface{}

// RiskFunc returns the risk limits the strategy wants enforced.
type RiskFunc func([]map[string]interface{}, map[string]interface{}) map[string]interface{}

// Program is a loaded, type-checked strategy ready to call.
type Program struct {
	Prepare         PrepareFunc
	GenerateSignals SignalsFunc
	RiskRules       RiskFunc
}

// Validation is the persisted result of a successful source check.
type Validation struct {
	Valid             bool     `json:"valid"`
	RequiredFunctions []string `json:"required_functions"`
}

// NormalizeSource ensures the source carries a package clause so it can be
// parsed and interpreted as a complete file.
func NormalizeSource(source string) string {
	trimmed := strings.TrimSpace(source)
	if strings.HasPrefix(trimmed, "package ") {
		return trimmed
	}
	return "package strategy\n\n" + trimmed
}

func packageName(file *ast.File) string {
	if file.Name != nil {
		return file.Name.Name
	}
	return "strategy"
}

func paramCount(decl *ast.FuncDecl) int {
	count := 0
	if decl.Type.Params != nil {
		for _, field := range decl.Type.Params.List {
			n := len(field.Names)
			if n == 0 {
				n = 1
			}
			count += n
		}
	}
	return count
}

// parseSource checks syntax, required entry points and the import policy.
func parseSource(source string) (*ast.File, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "strategy.go", source, parser.AllErrors)
	if err != nil {
		return nil, errs.Invalid("syntax error in source_code: %v", err)
	}

	for _, spec := range file.Imports {
		path := strings.Trim(spec.Path.Value, `"`)
		if blockedImports[path] {
			return nil, errs.New(errs.KindSandboxPolicy,
				fmt.Sprintf("import not allowed in strategy source: %s", path))
		}
	}

	declared := map[string]int{}
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil {
			declared[fn.Name.Name] = paramCount(fn)
		}
	}
	for _, name := range sortedRequiredFunctions() {
		arity, ok := declared[name]
		if !ok {
			return nil, errs.Invalid("missing required function: %s", name)
		}
		if arity != requiredSignatures[name] {
			return nil, errs.Invalid("invalid signature for %s: expected %d args, got %d",
				name, requiredSignatures[name], arity)
		}
	}
	return file, nil
}

// LoadProgram interprets the source and binds the three entry points.
func LoadProgram(source string) (*Program, error) {
	normalized := NormalizeSource(source)
	file, err := parseSource(normalized)
	if err != nil {
		return nil, err
	}
	pkg := packageName(file)

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if _, err := i.Eval(normalized); err != nil {
		return nil, errs.Invalid("failed to load strategy source: %v", err)
	}

	program := &Program{}
	if program.Prepare, err = bindPrepare(i, pkg); err != nil {
		return nil, err
	}
	if program.GenerateSignals, err = bindSignals(i, pkg); err != nil {
		return nil, err
	}
	if program.RiskRules, err = bindRisk(i, pkg); err != nil {
		return nil, err
	}
	return program, nil
}

func bindPrepare(i *interp.Interpreter, pkg string) (PrepareFunc, error) {
	v, err := i.Eval(pkg + ".Prepare")
	if err != nil {
		return nil, errs.Invalid("missing required function: Prepare")
	}
	fn, ok := v.Interface().(func(map[string]interface{}, map[string]interface{}) map[string]interface{})
	if !ok {
		return nil, errs.Invalid("invalid signature for Prepare: expected func(map, map) map")
	}
	return fn, nil
}

func bindSignals(i *interp.Interpreter, pkg string) (SignalsFunc, error) {
	v, err := i.Eval(pkg + ".GenerateSignals")
	if err != nil {
		return nil, errs.Invalid("missing required function: GenerateSignals")
	}
	fn, ok := v.Interface().(func([]map[string]interface{}, map[string]interface{}, map[string]interface{}) []map[string]interface{})
	if !ok {
		return nil, errs.Invalid("invalid signature for GenerateSignals: expected func(frame, state, context) []map")
	}
	return fn, nil
}

func bindRisk(i *interp.Interpreter, pkg string) (RiskFunc, error) {
	v, err := i.Eval(pkg + ".RiskRules")
	if err != nil {
		return nil, errs.Invalid("missing required function: RiskRules")
	}
	fn, ok := v.Interface().(func([]map[string]interface{}, map[string]interface{}) map[string]interface{})
	if !ok {
		return nil, errs.Invalid("invalid signature for RiskRules: expected func(positions, context) map")
	}
	return fn, nil
}

func callGuarded(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Invalid("%s raised exception during contract check: %v", name, r)
		}
	}()
	fn()
	return nil
}

// ValidateSource runs the full contract check: syntax, signatures, import
// policy, then the three entry points against empty inputs.
func ValidateSource(source string) (*Validation, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errs.Invalid("source_code is empty")
	}

	program, err := LoadProgram(source)
	if err != nil {
		return nil, err
	}

	var prepared map[string]interface{}
	if err := callGuarded("Prepare", func() {
		prepared = program.Prepare(map[string]interface{}{}, map[string]interface{}{})
	}); err != nil {
		return nil, err
	}
	if prepared == nil {
		prepared = map[string]interface{}{}
	}

	var signals []map[string]interface{}
	if err := callGuarded("GenerateSignals", func() {
		signals = program.GenerateSignals([]map[string]interface{}{}, prepared, map[string]interface{}{})
	}); err != nil {
		return nil, err
	}
	for _, row := range signals {
		var missing []string
		for _, key := range []string{"symbol", "signal"} {
			if _, ok := row[key]; !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return nil, errs.Invalid("GenerateSignals item missing keys: %v", missing)
		}
	}

	if err := callGuarded("RiskRules", func() {
		program.RiskRules([]map[string]interface{}{}, map[string]interface{}{})
	}); err != nil {
		return nil, err
	}

	return &Validation{Valid: true, RequiredFunctions: sortedRequiredFunctions()}, nil
}

func sortedRequiredFunctions() []string {
	names := make([]string, 0, len(requiredSignatures))
	for name := range requiredSignatures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
