package codegen

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
)

// forbidden maps statement and expression node types to the rule they break.
var forbidden = map[string]string{
	"import_statement":         RuleImport,
	"import_from_statement":    RuleImport,
	"future_import_statement":  RuleImport,
	"for_statement":            RuleLoop,
	"while_statement":          RuleLoop,
	"list_comprehension":       RuleLoop,
	"set_comprehension":        RuleLoop,
	"dictionary_comprehension": RuleLoop,
	"generator_expression":     RuleLoop,
	"global_statement":         RuleScope,
	"nonlocal_statement":       RuleScope,
	"with_statement":           RuleConstruct,
	"class_definition":         RuleConstruct,
	"function_definition":      RuleConstruct,
	"decorated_definition":     RuleConstruct,
	"lambda":                   RuleConstruct,
	"await":                    RuleConstruct,
	"yield":                    RuleConstruct,
	"delete_statement":         RuleConstruct,
	"raise_statement":          RuleConstruct,
	"try_statement":            RuleConstruct,
	"assert_statement":         RuleConstruct,
	"match_statement":          RuleConstruct,
	"named_expression":         RuleConstruct,
	"exec_statement":           RuleIO,
	"print_statement":          RuleIO,
}

var allowedFuncs = setOf("bool", "int", "float", "abs", "min", "max", "len", "round", "str", "timedelta")

var allowedMethods = setOf("get", "time", "date", "datetime", "timedelta", "combine", "weekday", "isoweekday",
	"total_seconds", "timestamp", "lower", "upper", "strip", "startswith", "endswith", "replace")

var mutatingMethods = setOf("append", "extend", "insert", "remove", "pop", "popitem", "clear", "update",
	"setdefault", "add", "discard", "sort", "reverse")

var timerCalls = setOf("sleep", "Timer", "setTimeout", "setInterval", "schedule", "call_later", "call_at",
	"run_later", "wait", "enter", "every", "after")

var ioCalls = setOf("open", "print", "input", "exec", "eval", "compile", "__import__", "getattr", "setattr",
	"delattr", "globals", "locals", "vars", "system", "popen", "write", "read", "readline", "send", "urlopen")

var timeParsingCalls = setOf("strptime", "strftime", "fromisoformat", "isoparse", "parse")

// Strings that are contract keywords rather than catalog references.
var keywordStrings = setOf("activity", "status", "start", "end")

var nonScalar = setOf("list", "dictionary", "set", "tuple", "list_comprehension", "dictionary_comprehension",
	"set_comprehension", "generator_expression", "lambda")

var timeOperandRe = regexp.MustCompile(`\b(time|now|timestamp|hour|hours|minute|minutes|second|seconds|day|days)\b`)

// Validator checks generated predicates against the contract and a catalog.
type Validator struct {
	catalog *catalog.Catalog
}

// NewValidator creates a validator bound to a catalog.
func NewValidator(c *catalog.Catalog) *Validator {
	return &Validator{catalog: c}
}

// Validate parses both predicates and returns a *Rejection listing every
// violation, or nil when the code honours the contract. Other errors come
// only from the parser or the context.
func (v *Validator) Validate(ctx context.Context, code GeneratedCode) error {
	trigger, err := v.inspect(ctx, RoleTrigger, code.TriggerCode)
	if err != nil {
		return err
	}
	cancel, err := v.inspect(ctx, RoleCancel, code.CancelCode)
	if err != nil {
		return err
	}

	violations := append(trigger.violations, cancel.violations...)
	if trigger.parsed && cancel.parsed {
		violations = append(violations, crossCheck(trigger, cancel)...)
	}
	if len(violations) == 0 {
		slog.Debug("Validator.Validate: generated code accepted", "trigger", trigger.name, "cancel", cancel.name)
		return nil
	}
	slog.Debug("Validator.Validate: generated code rejected", "violations", len(violations))
	return &Rejection{Violations: violations}
}

// predicate is what inspection learned about one source.
type predicate struct {
	role       string
	name       string
	body       string
	parsed     bool
	refs       map[string]bool
	onlyFalse  bool
	violations []Violation
}

func (v *Validator) inspect(ctx context.Context, role, source string) (*predicate, error) {
	p := &predicate{role: role, refs: map[string]bool{}}
	if strings.TrimSpace(source) == "" {
		p.add(RuleStructure, "empty source", 0)
		return p, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())
	src := []byte(source)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s predicate: %w", role, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		line := 0
		if bad := firstError(root); bad != nil {
			line = int(bad.StartPoint().Row) + 1
		}
		p.add(RuleSyntax, "source does not parse", line)
		return p, nil
	}

	var fns []*sitter.Node
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch {
		case child.Type() == "function_definition":
			fns = append(fns, child)
		case child.Type() == "comment", isDocstring(child):
		case forbidden[child.Type()] == RuleImport:
			p.add(RuleImport, child.Content(src), lineOf(child))
		default:
			p.add(RuleStructure, "statement outside the function: "+firstLine(child.Content(src)), lineOf(child))
		}
	}
	if len(fns) != 1 {
		p.add(RuleStructure, fmt.Sprintf("expected exactly one top-level function, found %d", len(fns)), 0)
		return p, nil
	}

	fn := fns[0]
	p.parsed = true
	p.name = fn.ChildByFieldName("name").Content(src)
	v.checkSignature(p, fn, src)

	body := fn.ChildByFieldName("body")
	p.body = strings.Join(strings.Fields(body.Content(src)), " ")
	c := &checker{
		v:          v,
		p:          p,
		src:        src,
		params:     setOf(ParameterNames...),
		locals:     map[string]bool{},
		boolLocals: map[string]bool{},
		bbKeys:     map[string]bool{},
	}
	c.collectLocals(body)
	c.visitBlock(body)
	if c.returns == 0 {
		p.add(RuleReturn, "predicate never returns a value", lineOf(fn))
	}
	if len(c.bbKeys) > MaxBlackboardKeys {
		p.add(RuleBlackboard, fmt.Sprintf("%d blackboard keys exceeds maximum of %d", len(c.bbKeys), MaxBlackboardKeys), lineOf(fn))
	}
	p.onlyFalse = isOnlyReturnFalse(body)
	return p, nil
}

func (v *Validator) checkSignature(p *predicate, fn *sitter.Node, src []byte) {
	params := fn.ChildByFieldName("parameters")
	var names []string
	for i := 0; i < int(params.NamedChildCount()); i++ {
		param := params.NamedChild(i)
		switch param.Type() {
		case "identifier":
			names = append(names, param.Content(src))
		case "default_parameter", "typed_default_parameter":
			names = append(names, param.ChildByFieldName("name").Content(src))
		case "typed_parameter":
			names = append(names, param.NamedChild(0).Content(src))
		default:
			p.add(RuleSignature, "unsupported parameter "+param.Content(src), lineOf(param))
			return
		}
	}
	if strings.Join(names, ",") != strings.Join(ParameterNames, ",") {
		p.add(RuleSignature, fmt.Sprintf("parameters (%s), want (%s)", strings.Join(names, ", "), strings.Join(ParameterNames, ", ")), lineOf(fn))
	}
}

func crossCheck(trigger, cancel *predicate) []Violation {
	var out []Violation
	add := func(rule, construct string) {
		out = append(out, Violation{Rule: rule, Function: RoleCancel, Construct: construct})
	}
	if trigger.name == cancel.name {
		add(RuleStructure, fmt.Sprintf("cancel function reuses the trigger name %q", trigger.name))
	}
	if trigger.body == cancel.body {
		add(RuleCancel, "cancel body repeats the trigger body")
	}
	for ref := range cancel.refs {
		if !trigger.refs[ref] {
			add(RuleCancel, fmt.Sprintf("%q is not referenced by the trigger", ref))
		}
	}
	if len(cancel.refs) == 0 && !cancel.onlyFalse {
		add(RuleCancel, "cancel without references must be exactly 'return False'")
	}
	return out
}

func (p *predicate) add(rule, construct string, line int) {
	p.violations = append(p.violations, Violation{Rule: rule, Function: p.role, Construct: construct, Line: line})
}

// checker walks one function body.
type checker struct {
	v          *Validator
	p          *predicate
	src        []byte
	params     map[string]bool
	locals     map[string]bool
	boolLocals map[string]bool
	bbKeys     map[string]bool
	returns    int
}

func (c *checker) text(n *sitter.Node) string { return n.Content(c.src) }

func (c *checker) collectLocals(n *sitter.Node) {
	if n.Type() == "assignment" || n.Type() == "augmented_assignment" {
		for _, target := range targets(n.ChildByFieldName("left")) {
			if target.Type() != "identifier" {
				continue
			}
			name := c.text(target)
			c.locals[name] = true
			if right := n.ChildByFieldName("right"); right != nil && n.Type() == "assignment" && c.isBoolean(right) {
				c.boolLocals[name] = true
			}
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c.collectLocals(n.NamedChild(i))
	}
}

func (c *checker) visitBlock(block *sitter.Node) {
	for i := 0; i < int(block.NamedChildCount()); i++ {
		stmt := block.NamedChild(i)
		if i == 0 && isDocstring(stmt) {
			continue
		}
		c.visit(stmt)
	}
}

func (c *checker) visit(n *sitter.Node) {
	typ := n.Type()
	if rule, ok := forbidden[typ]; ok {
		construct := typ
		if typ == "function_definition" {
			construct = "nested function"
		}
		c.p.add(rule, construct, lineOf(n))
		return
	}

	switch typ {
	case "comment", "pass_statement", "true", "false", "none", "integer", "float", "ellipsis":
	case "block":
		c.visitBlock(n)
	case "string", "concatenated_string":
		c.visitString(n)
	case "identifier":
		c.checkName(n)
	case "attribute":
		attr := c.text(n.ChildByFieldName("attribute"))
		if strings.HasPrefix(attr, "__") {
			c.p.add(RuleConstruct, "dunder attribute "+attr, lineOf(n))
			return
		}
		c.visit(n.ChildByFieldName("object"))
	case "call":
		c.visitCall(n)
	case "subscript":
		c.visitSubscript(n)
	case "assignment", "augmented_assignment":
		c.visitAssignment(n)
	case "binary_operator":
		left, right := n.ChildByFieldName("left"), n.ChildByFieldName("right")
		if op := n.ChildByFieldName("operator"); op != nil && op.Type() == "%" && left.Type() != "string" &&
			(c.isTimeOperand(left) || c.isTimeOperand(right)) {
			c.p.add(RuleInterval, "modulo on a time value: "+c.text(n), lineOf(n))
		}
		c.visit(left)
		c.visit(right)
	case "return_statement":
		c.returns++
		if n.NamedChildCount() == 0 {
			c.p.add(RuleReturn, "bare return", lineOf(n))
			return
		}
		value := n.NamedChild(0)
		if !c.isBoolean(value) {
			c.p.add(RuleReturn, "non-boolean return value: "+c.text(value), lineOf(n))
		}
		c.visit(value)
	case "keyword_argument":
		c.visit(n.ChildByFieldName("value"))
	default:
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c.visit(n.NamedChild(i))
		}
	}
}

func (c *checker) visitCall(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	args := n.ChildByFieldName("arguments")

	switch fn.Type() {
	case "identifier":
		name := c.text(fn)
		if !allowedFuncs[name] {
			c.p.add(classifyCall(name), "call to "+name, lineOf(n))
			return
		}
	case "attribute":
		name := c.text(fn.ChildByFieldName("attribute"))
		obj := fn.ChildByFieldName("object")
		switch {
		case mutatingMethods[name]:
			c.p.add(RuleMutation, "mutating call "+c.text(fn), lineOf(n))
			return
		case !allowedMethods[name]:
			c.p.add(classifyCall(name), "call to "+c.text(fn), lineOf(n))
			return
		}
		if name == "get" && c.isBlackboard(obj) && args != nil && args.NamedChildCount() > 0 {
			if key := args.NamedChild(0); key.Type() == "string" {
				c.bbKeys[unquote(c.text(key))] = true
				for i := 1; i < int(args.NamedChildCount()); i++ {
					c.visit(args.NamedChild(i))
				}
				return
			}
		}
		c.visit(obj)
	default:
		c.p.add(RuleCall, "dynamic call "+c.text(fn), lineOf(n))
		return
	}
	if args != nil {
		c.visit(args)
	}
}

func (c *checker) visitSubscript(n *sitter.Node) {
	value := n.ChildByFieldName("value")
	if c.isBlackboard(value) {
		for i := 1; i < int(n.NamedChildCount()); i++ {
			if key := n.NamedChild(i); key.Type() == "string" {
				c.bbKeys[unquote(c.text(key))] = true
			} else {
				c.visit(key)
			}
		}
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c.visit(n.NamedChild(i))
	}
}

func (c *checker) visitAssignment(n *sitter.Node) {
	right := n.ChildByFieldName("right")
	for _, target := range targets(n.ChildByFieldName("left")) {
		switch target.Type() {
		case "identifier":
			if name := c.text(target); c.params[name] {
				c.p.add(RuleAssignment, "rebinding parameter "+name, lineOf(n))
			}
		case "subscript":
			value := target.ChildByFieldName("value")
			if !c.isBlackboard(value) {
				c.p.add(RuleAssignment, "write to "+c.text(target), lineOf(n))
				continue
			}
			key := target.ChildByFieldName("subscript")
			if key == nil || key.Type() != "string" {
				c.p.add(RuleBlackboard, "blackboard key must be a string literal: "+c.text(target), lineOf(n))
				continue
			}
			c.bbKeys[unquote(c.text(key))] = true
			if right != nil && nonScalar[right.Type()] {
				c.p.add(RuleBlackboard, "non-scalar blackboard value: "+c.text(right), lineOf(n))
			}
		default:
			c.p.add(RuleAssignment, "write to "+c.text(target), lineOf(n))
		}
	}
	if right != nil {
		c.visit(right)
	}
}

func (c *checker) visitString(n *sitter.Node) {
	if hasInterpolation(n) {
		c.p.add(RuleConstruct, "formatted string "+c.text(n), lineOf(n))
		return
	}
	s := unquote(c.text(n))
	if keywordStrings[s] {
		return
	}
	if act, ok := c.v.catalog.Activity(s); ok && act.Name == s && !act.CatchAll {
		c.p.refs[s] = true
		return
	}
	if sensor, _, ok := c.v.catalog.Sensor(s); ok && sensor.ID == s {
		c.p.refs[s] = true
		return
	}
	c.p.add(RuleCatalog, fmt.Sprintf("unknown sensor or activity %q", s), lineOf(n))
}

func (c *checker) checkName(n *sitter.Node) {
	name := c.text(n)
	if c.params[name] || c.locals[name] || allowedFuncs[name] || name == "datetime" {
		return
	}
	c.p.add(RuleName, "undefined name "+name, lineOf(n))
}

func (c *checker) isBlackboard(n *sitter.Node) bool {
	return n != nil && n.Type() == "identifier" && c.text(n) == "blackboard"
}

func (c *checker) isTimeOperand(n *sitter.Node) bool {
	return n != nil && timeOperandRe.MatchString(strings.ToLower(c.text(n)))
}

// isBoolean reports whether n evaluates to a boolean by construction.
func (c *checker) isBoolean(n *sitter.Node) bool {
	switch n.Type() {
	case "true", "false", "comparison_operator", "not_operator", "boolean_operator":
		return true
	case "parenthesized_expression":
		return n.NamedChildCount() == 1 && c.isBoolean(n.NamedChild(0))
	case "conditional_expression":
		return n.NamedChildCount() == 3 && c.isBoolean(n.NamedChild(0)) && c.isBoolean(n.NamedChild(2))
	case "identifier":
		return c.boolLocals[c.text(n)]
	case "subscript":
		value := n.ChildByFieldName("value")
		return value != nil && value.Type() == "identifier" && c.text(value) == "sensor_data"
	case "call":
		fn := n.ChildByFieldName("function")
		switch fn.Type() {
		case "identifier":
			return c.text(fn) == "bool"
		case "attribute":
			name := c.text(fn.ChildByFieldName("attribute"))
			obj := fn.ChildByFieldName("object")
			if name == "startswith" || name == "endswith" {
				return true
			}
			return name == "get" && obj.Type() == "identifier" && c.text(obj) == "sensor_data"
		}
	}
	return false
}

func classifyCall(name string) string {
	switch {
	case timerCalls[name]:
		return RuleTimer
	case ioCalls[name]:
		return RuleIO
	case timeParsingCalls[name]:
		return RuleTimeParsing
	default:
		return RuleCall
	}
}

func targets(left *sitter.Node) []*sitter.Node {
	if left == nil {
		return nil
	}
	switch left.Type() {
	case "pattern_list", "tuple_pattern", "list_pattern":
		out := make([]*sitter.Node, 0, left.NamedChildCount())
		for i := 0; i < int(left.NamedChildCount()); i++ {
			out = append(out, left.NamedChild(i))
		}
		return out
	default:
		return []*sitter.Node{left}
	}
}

func isDocstring(n *sitter.Node) bool {
	return n.Type() == "expression_statement" && n.NamedChildCount() == 1 && n.NamedChild(0).Type() == "string"
}

func isOnlyReturnFalse(body *sitter.Node) bool {
	var stmts []*sitter.Node
	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		if stmt.Type() == "comment" || (i == 0 && isDocstring(stmt)) {
			continue
		}
		stmts = append(stmts, stmt)
	}
	return len(stmts) == 1 && stmts[0].Type() == "return_statement" &&
		stmts[0].NamedChildCount() == 1 && stmts[0].NamedChild(0).Type() == "false"
}

func hasInterpolation(n *sitter.Node) bool {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() == "interpolation" || hasInterpolation(child) {
			return true
		}
	}
	return false
}

func firstError(n *sitter.Node) *sitter.Node {
	if n.Type() == "ERROR" || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if bad := firstError(n.Child(i)); bad != nil {
			return bad
		}
	}
	return nil
}

// unquote strips string prefixes and quotes from a Python string literal.
func unquote(lit string) string {
	s := strings.TrimLeft(lit, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}

func lineOf(n *sitter.Node) int { return int(n.StartPoint().Row) + 1 }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func setOf(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
