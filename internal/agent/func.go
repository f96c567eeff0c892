package agent

import "context"

// FuncAgent adapts plain functions to the Agent contract. Nil fields fall back
// to accepting every input, succeeding with no output, and having no
// compensating action.
type FuncAgent struct {
	ValidateFunc   func(taskType TaskType, input Input) bool
	ExecuteFunc    func(ctx context.Context, taskType TaskType, input Input) (Output, error)
	CompensateFunc func(ctx context.Context, taskType TaskType, input Input, output any) error
	ConfidenceFunc func(taskType TaskType) float64
}

func (f *FuncAgent) Validate(taskType TaskType, input Input) bool {
	if f.ValidateFunc == nil {
		return true
	}
	return f.ValidateFunc(taskType, input)
}

func (f *FuncAgent) Execute(ctx context.Context, taskType TaskType, input Input) (Output, error) {
	if f.ExecuteFunc == nil {
		return Output{Success: true}, nil
	}
	return f.ExecuteFunc(ctx, taskType, input)
}

// Compensate runs CompensateFunc. Callers should check CanCompensate first;
// a FuncAgent without CompensateFunc reports ErrNoCompensation.
func (f *FuncAgent) Compensate(ctx context.Context, taskType TaskType, input Input, output any) error {
	if f.CompensateFunc == nil {
		return ErrNoCompensation
	}
	return f.CompensateFunc(ctx, taskType, input, output)
}

// CanCompensate reports whether a compensating action is configured.
func (f *FuncAgent) CanCompensate() bool {
	return f.CompensateFunc != nil
}

func (f *FuncAgent) Confidence(taskType TaskType) (float64, bool) {
	if f.ConfidenceFunc == nil {
		return 0, false
	}
	return f.ConfidenceFunc(taskType), true
}
