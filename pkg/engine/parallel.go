package engine

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/sourcegraph/conc/pool"
)

// Branch is one concurrently executed part of a workflow. Step names inside a
// branch are scoped by the branch name.
type Branch[T any] struct {
	Name string
	Run  func(wc *Context) (T, error)
}

// BranchResult is the outcome of one branch.
type BranchResult[T any] struct {
	Name  string
	Value T
	Err   error
}

// Parallel runs every branch concurrently and returns all results in branch
// order. A failing or panicking branch never prevents its siblings from
// running to completion.
func Parallel[T any](wc *Context, branches []Branch[T]) []BranchResult[T] {
	if len(branches) == 0 {
		return nil
	}

	results := make([]BranchResult[T], len(branches))
	p := pool.New().WithMaxGoroutines(len(branches))
	for i, b := range branches {
		p.Go(func() {
			child := wc.child(b.Name)
			value, err := runBranch(child, b)
			results[i] = BranchResult[T]{Name: b.Name, Value: value, Err: err}
		})
	}
	p.Wait()

	return results
}

func runBranch[T any](wc *Context, b Branch[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			wc.logger.Error().Str("stack", string(debug.Stack())).Msgf("Branch panicked: %v", r)
			err = NewPermanentError(fmt.Sprintf("branch %s panicked: %v", b.Name, r), nil)
		}
	}()
	return b.Run(wc)
}

// BranchErrors joins the errors of failed branches, or returns nil.
func BranchErrors[T any](results []BranchResult[T]) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return errors.Join(errs...)
}
