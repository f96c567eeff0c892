package scheduler

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Operator compares a field of a step output against a value.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpContains  Operator = "contains"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
)

var operatorAliases = map[string]Operator{
	"==": OpEq, "!=": OpNe, ">": OpGt, ">=": OpGte, "<": OpLt, "<=": OpLte,
}

var operatorSources = map[Operator]string{
	OpEq:  "value == expected",
	OpNe:  "value != expected",
	OpGt:  "value > expected",
	OpGte: "value >= expected",
	OpLt:  "value < expected",
	OpLte: "value <= expected",
}

const (
	containsStringSource = "value contains expected"
	containsMemberSource = "expected in value"
)

// Predicate gates a Conditional dependency on the referenced step's result.
//
// Either Operator (with Field and Value) or Expr must be set. Field is a
// dotted path into the output; empty means the whole output. Expr is an
// expr-lang expression over output, status, value (the Field value) and
// expected (Value), and must yield a bool.
type Predicate struct {
	Field    string   `yaml:"field,omitempty" json:"field,omitempty"`
	Operator Operator `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    any      `yaml:"value,omitempty" json:"value,omitempty"`
	Expr     string   `yaml:"expr,omitempty" json:"expr,omitempty"`
}

func (p *Predicate) String() string {
	if p.Expr != "" {
		return p.Expr
	}
	field := p.Field
	if field == "" {
		field = "output"
	}
	if p.Operator == OpExists || p.Operator == OpNotExists {
		return fmt.Sprintf("%s %s", field, p.Operator)
	}
	return fmt.Sprintf("%s %s %v", field, p.Operator, p.Value)
}

// compiledPredicate holds the programs a predicate needs at evaluation time.
type compiledPredicate struct {
	pred     Predicate
	op       Operator
	program  *vm.Program
	contains [2]*vm.Program // string form, membership form
}

func compilePredicate(p *Predicate) (*compiledPredicate, error) {
	if p == nil {
		return nil, fmt.Errorf("conditional dependency has no condition")
	}
	c := &compiledPredicate{pred: *p}

	if p.Expr != "" {
		if p.Operator != "" {
			return nil, fmt.Errorf("condition sets both expr and operator")
		}
		prog, err := programs.compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("invalid condition expression %q: %w", p.Expr, err)
		}
		c.program = prog
		return c, nil
	}

	op := p.Operator
	if alias, ok := operatorAliases[string(op)]; ok {
		op = alias
	}
	c.op = op

	switch op {
	case "":
		return nil, fmt.Errorf("condition needs an operator or expr")
	case OpExists, OpNotExists:
		return c, nil
	case OpContains:
		for i, src := range []string{containsStringSource, containsMemberSource} {
			prog, err := programs.compile(src)
			if err != nil {
				return nil, err
			}
			c.contains[i] = prog
		}
		return c, nil
	}

	src, ok := operatorSources[op]
	if !ok {
		return nil, fmt.Errorf("unknown condition operator %q", p.Operator)
	}
	prog, err := programs.compile(src)
	if err != nil {
		return nil, err
	}
	c.program = prog
	return c, nil
}

// eval reports whether the referenced step's output satisfies the predicate.
func (c *compiledPredicate) eval(output any, status StepStatus) (bool, error) {
	value, found := lookupField(output, c.pred.Field)

	switch c.op {
	case OpExists:
		return found && value != nil, nil
	case OpNotExists:
		return !found || value == nil, nil
	}

	env := map[string]any{
		"output":   output,
		"status":   status.String(),
		"value":    value,
		"expected": c.pred.Value,
	}

	prog := c.program
	if c.op == OpContains {
		if !found || value == nil {
			return false, nil
		}
		if _, isString := value.(string); isString {
			env["expected"] = fmt.Sprint(c.pred.Value)
			prog = c.contains[0]
		} else {
			prog = c.contains[1]
		}
	} else if c.pred.Expr == "" && !found {
		// Comparisons against a missing field are false, except inequality.
		return c.op == OpNe, nil
	}

	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", c.pred.String(), err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean, got %T", c.pred.String(), out)
	}
	return b, nil
}

// programCache compiles each expression source once.
type programCache struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

var programs = &programCache{cache: make(map[string]*vm.Program)}

func (p *programCache) compile(src string) (*vm.Program, error) {
	p.mu.RLock()
	prog, ok := p.cache[src]
	p.mu.RUnlock()
	if ok {
		return prog, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prog, ok = p.cache[src]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	p.cache[src] = prog
	return prog, nil
}

// lookupField walks a dotted path through maps and slices.
func lookupField(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		next, ok := child(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func child(v any, key string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		c, ok := m[key]
		return c, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(m) {
			return nil, false
		}
		return m[i], true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		c := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !c.IsValid() {
			return nil, false
		}
		return c.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	case reflect.Struct:
		f := rv.FieldByNameFunc(func(name string) bool { return strings.EqualFold(name, key) })
		if !f.IsValid() || !f.CanInterface() {
			return nil, false
		}
		return f.Interface(), true
	}
	return nil, false
}
