package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// DefaultMaxParallel is the number of validators run at once when no limit is given.
const DefaultMaxParallel = 4

// Pipeline runs validators against a candidate update and collects one
// result per validator, in registration order.
type Pipeline struct {
	// maxParallel is the maximum number of concurrent validators
	maxParallel int

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewPipeline creates a pipeline. maxParallel <= 0 selects DefaultMaxParallel;
// 1 runs validators sequentially.
func NewPipeline(maxParallel int, logger *telemetry.Logger, metrics *telemetry.Metrics) *Pipeline {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Pipeline{
		maxParallel: maxParallel,
		logger:      logger.NewComponentLogger("pipeline"),
		metrics:     metrics,
	}
}

// Run invokes every validator and returns their results in registration
// order. A validator that errors, panics, or returns a malformed result
// yields an ERROR result; it never stops the others.
func (p *Pipeline) Run(ctx context.Context, input *ValidationInput, validators []Validator) []ValidationResult {
	results := make([]ValidationResult, len(validators))
	if len(validators) == 0 {
		return results
	}

	workerCount := p.maxParallel
	if len(validators) < workerCount {
		workerCount = len(validators)
	}

	workQueue := make(chan int, len(validators))
	for i := range validators {
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workQueue {
				// Each worker owns the slots it pulls, so no lock is needed.
				results[i] = p.runOne(ctx, input, validators[i])
			}
		}()
	}
	wg.Wait()

	for _, r := range results {
		p.metrics.RecordValidationResult(r.Validator, string(r.Severity))
	}

	return results
}

// runOne runs a single validator and normalizes its outcome.
func (p *Pipeline) runOne(ctx context.Context, input *ValidationInput, v Validator) (result ValidationResult) {
	name := v.Name()
	logger := p.logger.WithField("validator", name)

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Error("validator panicked")
			result = errorResult(name, fmt.Sprintf("validator %s panicked: %v", name, r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return errorResult(name, fmt.Sprintf("validator %s did not run: %v", name, err))
	}

	res, err := v.Validate(ctx, input)
	if err != nil {
		logger.WithError(err).Warn("validator failed")
		return errorResult(name, err.Error())
	}

	if res.Validator == "" {
		res.Validator = name
	}
	if err := res.Validate(); err != nil {
		return errorResult(name, fmt.Sprintf("validator %s returned an invalid result: %v", name, err))
	}

	logger.WithField("severity", res.Severity).Debug("validator finished")
	return res
}

func errorResult(validator, message string) ValidationResult {
	return ValidationResult{
		Validator: validator,
		Severity:  SeverityError,
		Messages:  []string{message},
	}
}
