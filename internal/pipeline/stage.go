// Package pipeline contains the resumable orchestration engine: the ordered
// stage registry, configuration fingerprints, the checkpoint store and the
// runner that drives a catalog through the analysis stages.
package pipeline

import (
	"context"
	"fmt"

	"github.com/thebtf/stocktake/pkg/catalog"
	"github.com/thebtf/stocktake/pkg/clustering"
	"github.com/thebtf/stocktake/pkg/similarity"
)

// State is the data a run threads through its stages: the item table plus
// the derived outputs later stages consume. Checkpoints persist a snapshot
// of it after every completed stage.
type State struct {
	Table    *catalog.Table         `json:"table"`
	Edges    []similarity.Edge      `json:"edges,omitempty"`
	Clusters clustering.Assignments `json:"clusters,omitempty"`
}

// Clone deep-copies the state for checkpointing.
func (s *State) Clone() *State {
	cp := &State{Table: s.Table.Clone()}
	if s.Edges != nil {
		cp.Edges = append([]similarity.Edge(nil), s.Edges...)
	}
	if s.Clusters != nil {
		cp.Clusters = make(clustering.Assignments, len(s.Clusters))
		for k, v := range s.Clusters {
			cp.Clusters[k] = v
		}
	}
	return cp
}

// StageStats are the counters one stage reports on completion.
type StageStats struct {
	Items      int   `json:"items"`
	Categories int   `json:"categories,omitempty"`
	Edges      int   `json:"edges,omitempty"`
	Clusters   int   `json:"clusters,omitempty"`
	Noise      int   `json:"noise,omitempty"`
	Calls      int64 `json:"calls,omitempty"`
	Retries    int64 `json:"retries,omitempty"`
	Degraded   int64 `json:"degraded,omitempty"`
	TokensIn   int64 `json:"tokens_in,omitempty"`
	TokensOut  int64 `json:"tokens_out,omitempty"`
}

// Stage is one named, checkpointable unit of pipeline work. Params returns
// the configuration that feeds the stage's fingerprint; any change to it
// invalidates the stage's checkpoint and everything downstream.
type Stage interface {
	Name() string
	Params() any
	Run(ctx context.Context, state *State) (StageStats, error)
}

// Registry holds the ordered stage chain. Declaration order is the sole
// dependency ordering; there is no DAG.
type Registry struct {
	stages []Stage
	byName map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register appends a stage. Duplicate names are rejected.
func (r *Registry) Register(s Stage) error {
	if _, ok := r.byName[s.Name()]; ok {
		return fmt.Errorf("stage %q already registered", s.Name())
	}
	r.byName[s.Name()] = len(r.stages)
	r.stages = append(r.stages, s)
	return nil
}

// Stages returns the chain in registration order.
func (r *Registry) Stages() []Stage {
	return r.stages
}

// Names returns stage names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.stages))
	for i, s := range r.stages {
		names[i] = s.Name()
	}
	return names
}
