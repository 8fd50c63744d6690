// Package screener compiles a restricted formula language into SQL and runs
// it over the latest per-symbol market snapshot. Formulas are Go expression
// syntax over a closed set of column identifiers; anything outside that set
// is rejected before any SQL is built.
package screener

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"

	"github.com/aristath/finagent/internal/errs"
)

// AllowedColumns is the closed identifier set formulas may reference.
var AllowedColumns = []string{
	"symbol",
	"timestamp",
	"open",
	"high",
	"low",
	"close",
	"volume",
	"sma_short",
	"sma_long",
	"sma_gap_pct",
	"day_range_pct",
	"return_1d_pct",
}

// Validation is the compiled form of one formula.
type Validation struct {
	Valid         bool     `json:"valid"`
	SQLExpression string   `json:"sql_expression"`
	Identifiers   []string `json:"identifiers"`
}

var binaryOps = map[token.Token]string{
	token.ADD:  "+",
	token.SUB:  "-",
	token.MUL:  "*",
	token.QUO:  "/",
	token.REM:  "%",
	token.EQL:  "=",
	token.NEQ:  "!=",
	token.LSS:  "<",
	token.LEQ:  "<=",
	token.GTR:  ">",
	token.GEQ:  ">=",
	token.LAND: "AND",
	token.LOR:  "OR",
}

type compiler struct {
	allowed map[string]bool
	seen    map[string]bool
}

func (c *compiler) compile(node ast.Expr) (string, error) {
	switch expr := node.(type) {
	case *ast.ParenExpr:
		return c.compile(expr.X)

	case *ast.BinaryExpr:
		op, ok := binaryOps[expr.Op]
		if !ok {
			return "", errs.Invalid("unsupported operator in formula: %s", expr.Op)
		}
		left, err := c.compile(expr.X)
		if err != nil {
			return "", err
		}
		right, err := c.compile(expr.Y)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s %s %s)", left, op, right), nil

	case *ast.UnaryExpr:
		operand, err := c.compile(expr.X)
		if err != nil {
			return "", err
		}
		switch expr.Op {
		case token.NOT:
			return fmt.Sprintf("(NOT %s)", operand), nil
		case token.SUB:
			return fmt.Sprintf("(-%s)", operand), nil
		case token.ADD:
			return fmt.Sprintf("(+%s)", operand), nil
		}
		return "", errs.Invalid("unsupported unary operator in formula: %s", expr.Op)

	case *ast.Ident:
		key := expr.Name
		if key == "true" {
			return "TRUE", nil
		}
		if key == "false" {
			return "FALSE", nil
		}
		if !c.allowed[key] {
			allowed := make([]string, 0, len(c.allowed))
			for name := range c.allowed {
				allowed = append(allowed, name)
			}
			sort.Strings(allowed)
			return "", errs.Invalid("unknown identifier in formula: %s; allowed=%v", key, allowed)
		}
		c.seen[key] = true
		return key, nil

	case *ast.BasicLit:
		switch expr.Kind {
		case token.INT, token.FLOAT:
			return expr.Value, nil
		case token.STRING:
			unquoted, err := strconv.Unquote(expr.Value)
			if err != nil {
				return "", errs.Invalid("invalid string literal in formula: %s", expr.Value)
			}
			return "'" + strings.ReplaceAll(unquoted, "'", "''") + "'", nil
		}
		return "", errs.Invalid("unsupported literal type in formula: %s", expr.Kind)
	}

	return "", errs.Invalid("unsupported syntax node in formula: %T", node)
}

// ValidateAndCompile parses the formula and produces its SQL expression plus
// the identifiers it references.
func ValidateAndCompile(formula string, allowedIdentifiers []string) (*Validation, error) {
	src := strings.TrimSpace(formula)
	if src == "" {
		return nil, errs.Invalid("formula is required")
	}
	allowed := make(map[string]bool, len(allowedIdentifiers))
	for _, name := range allowedIdentifiers {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			allowed[trimmed] = true
		}
	}
	if len(allowed) == 0 {
		return nil, errs.Invalid("allowed_identifiers must not be empty")
	}

	expr, err := parser.ParseExpr(src)
	if err != nil {
		return nil, errs.Invalid("invalid formula syntax: %v", err)
	}

	c := &compiler{allowed: allowed, seen: map[string]bool{}}
	sqlExpr, err := c.compile(expr)
	if err != nil {
		return nil, err
	}

	identifiers := make([]string, 0, len(c.seen))
	for name := range c.seen {
		identifiers = append(identifiers, name)
	}
	sort.Strings(identifiers)
	return &Validation{Valid: true, SQLExpression: sqlExpr, Identifiers: identifiers}, nil
}

// ValidateFormula compiles against the screener's column set.
func ValidateFormula(formula string) (*Validation, error) {
	return ValidateAndCompile(formula, AllowedColumns)
}
