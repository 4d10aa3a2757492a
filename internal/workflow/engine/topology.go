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

package engine

import (
	"fmt"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
)

// topologicalOrder returns the step IDs of def in an order where every step
// appears after everything it depends on. It also validates that every
// dependsOn reference names a real step and that the graph has no cycles.
func topologicalOrder(def *domain.WorkflowDefinition) ([]string, error) {
	byID := make(map[string]*domain.WorkflowStep, len(def.Steps))
	for i := range def.Steps {
		byID[def.Steps[i].ID] = &def.Steps[i]
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &pkgerrors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep),
				}
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(def.Steps))
	order := make([]string, 0, len(def.Steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return &pkgerrors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("dependency cycle detected at step %s", id),
			}
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	for _, s := range def.Steps {
		if err := visit(s.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}
