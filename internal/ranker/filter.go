package ranker

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

const maxCachedFilters = 256

// FilterCompiler compiles CEL predicates over record fields and caches the
// programs by expression text. Available variables:
//
//	metadata     map(string, string)
//	kind         string
//	source_ref   string
//	usage_count  int
//	relevance    double
//	created_at   int (unix millis)
type FilterCompiler struct {
	env   *cel.Env
	mu    sync.Mutex
	cache map[string]cel.Program
}

func NewFilterCompiler() (*FilterCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("kind", cel.StringType),
		cel.Variable("source_ref", cel.StringType),
		cel.Variable("usage_count", cel.IntType),
		cel.Variable("relevance", cel.DoubleType),
		cel.Variable("created_at", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &FilterCompiler{env: env, cache: make(map[string]cel.Program)}, nil
}

// Filter is a compiled record predicate.
type Filter struct {
	prg cel.Program
}

// Compile parses and type-checks expr, which must evaluate to a bool.
// Invalid expressions are ErrInvalidInput.
func (c *FilterCompiler) Compile(expr string) (*Filter, error) {
	c.mu.Lock()
	prg, ok := c.cache[expr]
	c.mu.Unlock()
	if ok {
		return &Filter{prg: prg}, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: filter: %v", models.ErrInvalidInput, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: filter must be a boolean expression, got %s", models.ErrInvalidInput, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: filter: %v", models.ErrInvalidInput, err)
	}

	c.mu.Lock()
	if len(c.cache) >= maxCachedFilters {
		clear(c.cache)
	}
	c.cache[expr] = prg
	c.mu.Unlock()
	return &Filter{prg: prg}, nil
}

// Match evaluates the predicate for rec. Evaluation errors, such as a
// missing metadata key, count as no match.
func (f *Filter) Match(rec *models.EmbeddedRecord) bool {
	if f == nil {
		return true
	}
	md := map[string]string(rec.Metadata)
	if md == nil {
		md = map[string]string{}
	}
	out, _, err := f.prg.Eval(map[string]any{
		"metadata":    md,
		"kind":        string(rec.SourceKind),
		"source_ref":  rec.SourceRef,
		"usage_count": rec.UsageCount,
		"relevance":   rec.RelevanceScore,
		"created_at":  rec.CreatedAt,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
