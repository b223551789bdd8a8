// Package engine evaluates facet scripts. A script is zygomys Lisp whose
// builtins build document transactions; each evaluation runs in a fresh
// sandbox against a scratch copy of a base snapshot, so a script never
// touches a live document until its result is applied.
package engine

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chazu/facet/pkg/document"
	zygo "github.com/glycerine/zygomys/zygo"
)

// EvalError represents a non-fatal error encountered during evaluation,
// such as a parse error or a runtime error in user code.
type EvalError struct {
	Line    int
	Col     int
	Message string
}

func (e EvalError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// scriptOrigin stamps transactions built during evaluation. ApplyTo
// restamps them with the target store's origin.
const scriptOrigin = "script"

// Script is the output of a successful evaluation.
type Script struct {
	// Transactions in the order the builtins issued them.
	Transactions []document.Transaction
	// Snapshot is the base with every transaction applied.
	Snapshot *document.Snapshot
	// Created lists the objects the script added, in creation order.
	Created []string
}

// ApplyTo submits the script's transactions to store in order. Each one
// is stamped with the store's origin; a relay-backed store forwards them
// for ordering like any other local edit.
func (s *Script) ApplyTo(store *document.Store) error {
	for i, txn := range s.Transactions {
		txn.Origin = store.Origin()
		if err := store.Submit(txn); err != nil {
			return fmt.Errorf("engine: apply transaction %d of %d: %w", i+1, len(s.Transactions), err)
		}
	}
	return nil
}

// Engine wraps the zygomys interpreter for facet evaluation.
// It is safe for concurrent use; each call to Evaluate creates a fresh
// sandboxed environment for determinism.
type Engine struct {
	mu         sync.Mutex
	generation uint64

	timeout time.Duration
	log     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout overrides EvalTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates a new Engine instance.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{timeout: EvalTimeout, log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate runs source against base, which may be nil for an empty
// document. Scripts may refer to objects already in base.
//
// Return semantics:
//   - On success: returns script + nil errors + nil error
//   - On parse/eval failure: returns nil script + eval errors + nil error
//   - On fatal failure (timeout, panic, superseded): returns nil + nil + error
func (e *Engine) Evaluate(source string, base *document.Snapshot) (*Script, []EvalError, error) {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	ch := make(chan evalResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- evalResult{err: fmt.Errorf("panic during evaluation: %v", r)}
			}
		}()

		s, evalErrs, err := e.evaluate(source, base)
		ch <- evalResult{script: s, errors: evalErrs, err: err}
	}()

	s, evalErrs, err := waitWithTimeout(ch, gen, &e.mu, &e.generation, e.timeout)
	switch {
	case err != nil:
		e.log.Warn("engine: evaluation failed", slog.String("error", err.Error()))
	case len(evalErrs) > 0:
		e.log.Debug("engine: script errors", slog.Int("errors", len(evalErrs)), slog.String("first", evalErrs[0].Error()))
	default:
		e.log.Debug("engine: evaluated", slog.Int("transactions", len(s.Transactions)), slog.Int("created", len(s.Created)))
	}
	return s, evalErrs, err
}

// evaluate performs the actual zygomys evaluation in a fresh sandbox.
func (e *Engine) evaluate(source string, base *document.Snapshot) (*Script, []EvalError, error) {
	b, err := newBuilder(base)
	if err != nil {
		return nil, nil, err
	}

	// Empty source is a valid program that leaves the base unchanged.
	if strings.TrimSpace(source) == "" {
		return b.script(), nil, nil
	}

	// Sandbox mode prevents user code from accessing the filesystem or syscalls.
	env := zygo.NewZlispSandbox()
	defer env.Stop()
	registerBuiltins(env, b)

	if err := env.LoadString(preprocessSource(source)); err != nil {
		return nil, parseZygomysError(err), nil
	}
	if _, err := env.Run(); err != nil {
		return nil, parseZygomysError(err), nil
	}
	return b.script(), nil, nil
}

// linePattern matches zygomys error messages that include "Error on line N: ..."
var linePattern = regexp.MustCompile(`(?i)(?:error )?on line (\d+):\s*(.*)`)

// linePatternShort matches simpler "line N: ..." patterns.
var linePatternShort = regexp.MustCompile(`(?i)^line (\d+):\s*(.*)`)

// parseZygomysError converts a zygomys error into one or more EvalError values.
func parseZygomysError(err error) []EvalError {
	msg := err.Error()
	for _, re := range []*regexp.Regexp{linePattern, linePatternShort} {
		if m := re.FindStringSubmatch(msg); m != nil {
			line, _ := strconv.Atoi(m[1])
			return []EvalError{{Line: line, Message: strings.TrimSpace(m[2])}}
		}
	}
	return []EvalError{{Message: strings.TrimSpace(msg)}}
}
