// Package pipeline orders synchronization stages by their declared
// dependencies and runs them against a shared JobState.
package pipeline

import (
	"context"
	"fmt"

	"github.com/qualys/vmgraph/internal/models"
)

// RunFunc is the body of a stage.
type RunFunc func(ctx context.Context, js *JobState) error

// Stage is a unit of synchronization work. Entities and Relationships declare
// every type the stage may write; DependsOn names stages that must complete first.
type Stage struct {
	ID            string
	Name          string
	Entities      []models.EntitySchema
	Relationships []models.RelationshipSchema
	DependsOn     []string
	Run           RunFunc
}

// Descriptor is the serializable view of a stage.
type Descriptor struct {
	ID                        string                      `json:"id"`
	Name                      string                      `json:"name"`
	ProducesEntityTypes       []models.EntitySchema       `json:"producesEntityTypes"`
	ProducesRelationshipTypes []models.RelationshipSchema `json:"producesRelationshipTypes"`
	DependsOn                 []string                    `json:"dependsOn"`
}

func (s Stage) Descriptor() Descriptor {
	d := Descriptor{
		ID:                        s.ID,
		Name:                      s.Name,
		ProducesEntityTypes:       s.Entities,
		ProducesRelationshipTypes: s.Relationships,
		DependsOn:                 s.DependsOn,
	}
	if d.ProducesEntityTypes == nil {
		d.ProducesEntityTypes = []models.EntitySchema{}
	}
	if d.ProducesRelationshipTypes == nil {
		d.ProducesRelationshipTypes = []models.RelationshipSchema{}
	}
	if d.DependsOn == nil {
		d.DependsOn = []string{}
	}
	return d
}

func (s Stage) declaresEntity(entityType string) bool {
	for _, e := range s.Entities {
		if e.Type == entityType {
			return true
		}
	}
	return false
}

func (s Stage) declaresRelationship(relType string) bool {
	for _, r := range s.Relationships {
		if r.Type == relType {
			return true
		}
	}
	return false
}

// Order returns stages sorted so that every stage follows all of its
// dependencies. Among stages that are ready at the same time, declaration
// order is kept.
func Order(stages []Stage) ([]Stage, error) {
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if s.ID == "" {
			return nil, fmt.Errorf("stage %d has no id", i)
		}
		if _, dup := index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id '%s'", s.ID)
		}
		index[s.ID] = i
	}

	deps := make([]map[int]bool, len(stages))
	dependents := make([][]int, len(stages))
	for i, s := range stages {
		deps[i] = make(map[int]bool, len(s.DependsOn))
		for _, d := range s.DependsOn {
			j, ok := index[d]
			if !ok {
				return nil, fmt.Errorf("stage '%s' depends on unknown stage '%s'", s.ID, d)
			}
			if !deps[i][j] {
				deps[i][j] = true
				dependents[j] = append(dependents[j], i)
			}
		}
	}

	remaining := make([]int, len(stages))
	for i := range stages {
		remaining[i] = len(deps[i])
	}

	placed := make([]bool, len(stages))
	ordered := make([]Stage, 0, len(stages))
	for len(ordered) < len(stages) {
		next := -1
		for i := range stages {
			if !placed[i] && remaining[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, cycleError(stages, deps, placed)
		}
		placed[next] = true
		ordered = append(ordered, stages[next])
		for _, d := range dependents[next] {
			remaining[d]--
		}
	}
	return ordered, nil
}

// cycleError walks unresolved dependencies from the first unplaced stage
// until a stage repeats; that stage lies on a cycle.
func cycleError(stages []Stage, deps []map[int]bool, placed []bool) error {
	start := -1
	for i := range stages {
		if !placed[i] {
			start = i
			break
		}
	}

	seen := make(map[int]bool)
	cur := start
	for !seen[cur] {
		seen[cur] = true
		next := -1
		for j := range stages {
			if deps[cur][j] && !placed[j] {
				next = j
				break
			}
		}
		cur = next
	}
	return fmt.Errorf("cycle detected involving stage '%s'", stages[cur].ID)
}
