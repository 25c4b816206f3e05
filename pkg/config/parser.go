package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ssargent/reactivedb/pkg/expr"
	"github.com/ssargent/reactivedb/pkg/transform"
)

// buildTransform dispatches on def.Operation the way the original
// get_transform_parser table does, producing the transform.Transform
// that AddDerivedTable wires in for name.
func buildTransform(name string, def TableDef) (transform.Transform, error) {
	switch def.Operation {
	case "union":
		if len(def.InputTables) == 0 {
			return nil, fmt.Errorf("union table %q needs at least one input-tables entry", name)
		}
		return &transform.Union{Sources: def.InputTables, Destination: name}, nil
	case "filter":
		cmp, err := parseFilterExpression(def.Expression)
		if err != nil {
			return nil, fmt.Errorf("parsing filter expression: %w", err)
		}
		return &transform.Filter{
			Expression:  cmp,
			Source:      def.SourceTable,
			Destination: name,
		}, nil
	case "function":
		exprs, err := parseFunctionExpressions(def.Expressions)
		if err != nil {
			return nil, fmt.Errorf("parsing function expressions: %w", err)
		}
		return &transform.Function{Expressions: exprs, Source: def.SourceTable, Destination: name}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", def.Operation)
	}
}

var (
	parenTokenizer    = regexp.MustCompile(`(\(|\))`)
	operatorTokenizer = regexp.MustCompile(`(>=|<=|<|==|>| AND | OR )`)
	functionTokenizer = regexp.MustCompile(`(\+|-|/|\*)`)
)

// comparisonFrame accumulates one (possibly incomplete) comparison
// while the tokenizer walks the expression string; it is promoted to
// an expr.ComparisonExpression once an operator and both operands are
// known.
type comparisonFrame struct {
	op    *expr.CompareOp
	left  *expr.Value
	right *expr.Value
}

func (f *comparisonFrame) pushOperand(v expr.Value) {
	if f.left == nil {
		f.left = &v
	} else if f.right == nil {
		f.right = &v
	}
}

func (f comparisonFrame) toExpr() (expr.ComparisonExpression, error) {
	if f.op == nil || f.left == nil || f.right == nil {
		return expr.ComparisonExpression{}, fmt.Errorf("incomplete comparison expression")
	}
	return expr.ComparisonExpression{Op: *f.op, Left: *f.left, Right: *f.right}, nil
}

// parseFilterExpression tokenizes an infix comparison/boolean string
// such as `(age > 18) AND (status == "active")` into an
// expr.ComparisonExpression tree. It mirrors the original parser's
// paren-stack-then-operator-split algorithm: the string is split first
// on parentheses, then, within each non-paren chunk, on the comparison
// and boolean operators. A closing paren folds the frame just built
// into whichever operand of the enclosing frame is still empty.
func parseFilterExpression(s string) (expr.ComparisonExpression, error) {
	var stack []comparisonFrame
	cur := comparisonFrame{}

	for _, tok := range splitKeepDelim(s, parenTokenizer) {
		switch tok {
		case "":
			continue
		case "(":
			stack = append(stack, cur)
			cur = comparisonFrame{}
		case ")":
			built, err := cur.toExpr()
			if err != nil {
				return expr.ComparisonExpression{}, err
			}
			nested := expr.NestedValue(&built)
			cur = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			cur.pushOperand(nested)
		default:
			if err := consumeChunk(tok, &cur); err != nil {
				return expr.ComparisonExpression{}, err
			}
		}
	}

	return cur.toExpr()
}

// consumeChunk walks a parenthesis-free chunk of the expression,
// interleaving operand tokens and operator tokens as
// splitKeepDelim yields them. A second operator arriving before cur's
// operands are both filled folds the in-progress frame into a new
// left operand and starts a fresh frame around the new operator,
// matching the "current_stack.operator != None" rewrite in the
// original parser.
func consumeChunk(chunk string, cur *comparisonFrame) error {
	for _, p := range splitKeepDelim(chunk, operatorTokenizer) {
		if p == "" {
			continue
		}
		if op, ok := operatorFromToken(p); ok {
			if cur.op != nil {
				built, err := cur.toExpr()
				if err != nil {
					return err
				}
				nested := expr.NestedValue(&built)
				newOp := op
				*cur = comparisonFrame{op: &newOp, left: &nested}
				continue
			}
			newOp := op
			cur.op = &newOp
			continue
		}
		v, err := valueFromToken(strings.TrimSpace(p))
		if err != nil {
			return err
		}
		cur.pushOperand(v)
	}
	return nil
}

// splitKeepDelim splits s on re, keeping the matched delimiters as
// their own elements, in encounter order — Go's regexp.Split discards
// the separators, so the comparison/boolean operator itself has to be
// recovered by interleaving Split's pieces with the match locations.
func splitKeepDelim(s string, re *regexp.Regexp) []string {
	locs := re.FindAllStringIndex(s, -1)
	if locs == nil {
		return []string{s}
	}
	var out []string
	prev := 0
	for _, loc := range locs {
		out = append(out, s[prev:loc[0]])
		out = append(out, s[loc[0]:loc[1]])
		prev = loc[1]
	}
	out = append(out, s[prev:])
	return out
}

func operatorFromToken(tok string) (expr.CompareOp, bool) {
	switch tok {
	case "<":
		return expr.LT, true
	case "<=":
		return expr.LTE, true
	case ">=":
		return expr.GTE, true
	case ">":
		return expr.GT, true
	case "==":
		return expr.EQ, true
	case " AND ":
		return expr.AND, true
	case " OR ":
		return expr.OR, true
	default:
		return 0, false
	}
}

// valueFromToken classifies a bare operand token the same way the
// original get_value_from_string does: a quoted token is a string
// scalar, an alphabetic token is a field reference, anything else
// parses as a numeric scalar.
func valueFromToken(tok string) (expr.Value, error) {
	if tok == "" {
		return expr.Value{}, fmt.Errorf("empty operand token")
	}
	if tok[0] == '"' {
		return expr.ScalarValue(strings.Trim(tok, `"`)), nil
	}
	if isAlpha(tok[0]) {
		return expr.FieldValue(tok), nil
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return expr.Value{}, fmt.Errorf("parsing operand %q: %w", tok, err)
	}
	return expr.ScalarValue(f), nil
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// parseFunctionExpressions parses `dest = left OP right` lines into
// expr.FunctionExpression, one per entry, the way function_parser
// tokenizes each expression string on the arithmetic operators.
func parseFunctionExpressions(lines []string) ([]expr.FunctionExpression, error) {
	out := make([]expr.FunctionExpression, 0, len(lines))
	for _, line := range lines {
		destSplit := strings.SplitN(line, "=", 2)
		if len(destSplit) != 2 {
			return nil, fmt.Errorf("expression %q missing '='", line)
		}
		destField := strings.TrimSpace(destSplit[0])

		var nonEmpty []string
		for _, tok := range splitKeepDelim(destSplit[1], functionTokenizer) {
			if strings.TrimSpace(tok) != "" {
				nonEmpty = append(nonEmpty, strings.TrimSpace(tok))
			}
		}
		if len(nonEmpty) != 3 {
			return nil, fmt.Errorf("expression %q: expected left OP right, got %v", line, nonEmpty)
		}
		left, err := valueFromToken(nonEmpty[0])
		if err != nil {
			return nil, err
		}
		op, err := funcOperatorFromToken(nonEmpty[1])
		if err != nil {
			return nil, err
		}
		right, err := valueFromToken(nonEmpty[2])
		if err != nil {
			return nil, err
		}
		out = append(out, expr.FunctionExpression{Op: op, Left: left, Right: right, DestField: destField})
	}
	return out, nil
}

func funcOperatorFromToken(tok string) (expr.FuncOp, error) {
	switch tok {
	case "+":
		return expr.Add, nil
	case "-":
		return expr.Subtract, nil
	case "*":
		return expr.Mult, nil
	case "/":
		return expr.Div, nil
	default:
		return 0, fmt.Errorf("unknown function operator %q", tok)
	}
}
