// Package handler provides reflection-based handler execution for the jobs package.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/jdziat/coordinated-jobs/pkg/core"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Handler runs a function as a job executor.
type Handler struct {
	Fn         reflect.Value
	ArgsType   reflect.Type
	HasContext bool
}

var _ core.Executor = (*Handler)(nil)

// NewHandler creates a Handler from a function.
// The function must have signature func(ctx context.Context, args T) error,
// func(args T) error or func(ctx context.Context) error.
func NewHandler(fn any) (*Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)
	if fnVal.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function")
	}
	if fnVal.IsNil() {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()
	handler := &Handler{Fn: fnVal}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return nil, fmt.Errorf("handler must have 1-2 arguments")
	}

	argIdx := 0
	if fnType.In(0).Implements(contextType) {
		handler.HasContext = true
		argIdx = 1
	} else if numIn == 2 {
		return nil, fmt.Errorf("handler with two arguments must take a context first")
	}
	if argIdx < numIn {
		handler.ArgsType = fnType.In(argIdx)
	}

	if fnType.NumOut() != 1 || !fnType.Out(0).Implements(errorType) {
		return nil, fmt.Errorf("handler must return error")
	}

	return handler, nil
}

// Execute decodes the job payload into the argument type and calls the
// function. A payload that does not decode is never retried.
func (h *Handler) Execute(ctx context.Context, job *core.Job) error {
	var args []reflect.Value
	if h.HasContext {
		args = append(args, reflect.ValueOf(ctx))
	}

	if h.ArgsType != nil {
		argVal := reflect.New(h.ArgsType)
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, argVal.Interface()); err != nil {
				return core.NoRetry(fmt.Errorf("%w: %v", core.ErrMalformedPayload, err))
			}
		}
		args = append(args, argVal.Elem())
	}

	results := h.Fn.Call(args)
	if err, _ := results[0].Interface().(error); err != nil {
		return err
	}
	return nil
}
