package query

import (
	"fmt"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gustycube/spyder-atlas/internal/types"
)

// ErrInvalidFilter reports an expression that does not compile to a boolean
// over finding fields. It is an invalid-enum class error.
var ErrInvalidFilter = fmt.Errorf("invalid filter expression: %w", types.ErrInvalidEnum)

// exprCache compiles CEL filter expressions once and keeps the programs.
type exprCache struct {
	env   *cel.Env
	progs *lru.Cache[string, cel.Program]
}

func newExprCache(size int) (*exprCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("severity", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("finding_type", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("occurrences", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	progs, err := lru.New[string, cel.Program](size)
	if err != nil {
		return nil, err
	}
	return &exprCache{env: env, progs: progs}, nil
}

func (c *exprCache) program(expr string) (cel.Program, error) {
	if p, ok := c.progs.Get(expr); ok {
		return p, nil
	}
	ast, iss := c.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%q: %v: %w", expr, iss.Err(), ErrInvalidFilter)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%q yields %s, want bool: %w", expr, ast.OutputType(), ErrInvalidFilter)
	}
	p, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%q: %v: %w", expr, err, ErrInvalidFilter)
	}
	c.progs.Add(expr, p)
	return p, nil
}

func match(p cel.Program, f types.Finding) (bool, error) {
	out, _, err := p.Eval(map[string]any{
		"severity":     string(f.Severity),
		"target":       f.Target,
		"finding_type": f.Type,
		"source":       f.Source,
		"status":       string(f.Status),
		"name":         f.Name,
		"occurrences":  int64(f.Occurrences),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate: %v: %w", err, ErrInvalidFilter)
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

type celMatcher struct{ p cel.Program }

func (m celMatcher) matches(f types.Finding) (bool, error) { return match(m.p, f) }
