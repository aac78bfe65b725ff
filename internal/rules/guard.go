package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GuardEngine compiles and evaluates optional per-rule CEL guard
// expressions against invoice fields. Compiled programs are cached by
// expression text so repeated evaluations skip parse and check.
type GuardEngine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewGuardEngine creates a guard engine with the invoice evaluation
// environment.
func NewGuardEngine() (*GuardEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("invoice_number", cel.StringType),
		cel.Variable("vendor", cel.StringType),
		cel.Variable("vendor_code", cel.StringType),
		cel.Variable("service", cel.StringType),
		cel.Variable("note", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &GuardEngine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile checks an expression without evaluating it. Used to reject bad
// guards at rule-write time rather than at invoice time.
func (g *GuardEngine) Compile(expr string) error {
	_, err := g.program(expr)
	return err
}

// Eval evaluates the guard expression against the invoice record. The
// expression must produce a boolean.
func (g *GuardEngine) Eval(expr string, rec *domain.InvoiceRecord) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"invoice_number": rec.InvoiceNumber,
		"vendor":         rec.Vendor,
		"vendor_code":    rec.VendorCode,
		"service":        rec.Service,
		"note":           rec.Note,
		"amount":         rec.Amount.InexactFloat64(),
	})
	if err != nil {
		return false, fmt.Errorf("guard evaluation failed: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("guard expression must evaluate to bool, got %s", out.Type().TypeName())
	}
	return bool(b), nil
}

func (g *GuardEngine) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, ok := g.programs[expr]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile guard expression: %w", issues.Err())
	}

	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard program: %w", err)
	}

	g.mu.Lock()
	g.programs[expr] = prg
	g.mu.Unlock()

	return prg, nil
}
