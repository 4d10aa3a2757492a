// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stepexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	defaultJQTimeout      = time.Second
	defaultJQMaxInputSize = 10 * 1024 * 1024
)

// jqRunner evaluates a jq query against arbitrary JSON-ish data, bounded by
// a timeout and an input size limit, for the Transform step's jq mode.
type jqRunner struct {
	timeout      time.Duration
	maxInputSize int64
}

func newJQRunner() *jqRunner {
	return &jqRunner{timeout: defaultJQTimeout, maxInputSize: defaultJQMaxInputSize}
}

func (r *jqRunner) run(ctx context.Context, query string, data any) (any, error) {
	if query == "" {
		return data, nil
	}
	if err := r.validateInputSize(data); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("jq parse error: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compile error: %w", err)
	}

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		iter := code.Run(data)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if ev, isErr := v.(error); isErr {
				errCh <- ev
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultCh <- nil
		case 1:
			resultCh <- results[0]
		default:
			resultCh <- results
		}
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-execCtx.Done():
		return nil, fmt.Errorf("jq execution timeout after %v", r.timeout)
	}
}

func (r *jqRunner) validateInputSize(data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data for jq: %w", err)
	}
	if int64(len(encoded)) > r.maxInputSize {
		return fmt.Errorf("data size (%d bytes) exceeds maximum (%d bytes)", len(encoded), r.maxInputSize)
	}
	return nil
}
