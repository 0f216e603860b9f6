// Package query compiles CEL filter expressions over stored records.
package query

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
)

// maxCached bounds the compiled filter cache. Filters arrive from API
// callers, so the set is open-ended.
const maxCached = 256

// Engine compiles filter expressions and caches the programs.
// Expressions see one variable, record, holding the flat record map:
//
//	record.status == "active" && record.company_id == "c-1"
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*Filter
	logger   *zap.Logger
}

// Filter is a compiled predicate over records.
type Filter struct {
	expr    string
	program cel.Program
	logger  *zap.Logger
}

// NewEngine creates a filter engine.
func NewEngine(logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		compiled: make(map[string]*Filter),
		logger:   logger.Named("query"),
	}, nil
}

// Compile returns the filter for expr, compiling it on first use.
func (e *Engine) Compile(expr string) (*Filter, error) {
	e.mu.RLock()
	f, ok := e.compiled[expr]
	e.mu.RUnlock()
	if ok {
		return f, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", domain.ErrInvalidInput, expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("%w: filter %q must return bool, got %s", domain.ErrInvalidInput, expr, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for filter %q: %w", expr, err)
	}

	f = &Filter{expr: expr, program: program, logger: e.logger}

	e.mu.Lock()
	if len(e.compiled) >= maxCached {
		clear(e.compiled)
	}
	e.compiled[expr] = f
	e.mu.Unlock()

	return f, nil
}

// Cached returns the number of compiled filters held.
func (e *Engine) Cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Match reports whether rec satisfies the filter. Evaluation errors, such
// as a missing key, count as no match.
func (f *Filter) Match(rec *domain.Record) bool {
	out, _, err := f.program.Eval(map[string]any{"record": rec.Map()})
	if err != nil {
		f.logger.Debug("filter evaluation failed",
			zap.String("filter", f.expr),
			zap.String("record_id", rec.ID),
			zap.Error(err),
		)
		return false
	}
	b, ok := out.(types.Bool)
	return ok && bool(b)
}

// Apply returns the records that satisfy the filter, in input order.
func (f *Filter) Apply(recs []*domain.Record) []*domain.Record {
	out := make([]*domain.Record, 0, len(recs))
	for _, rec := range recs {
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expr
}
