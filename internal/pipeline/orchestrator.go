package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/stocktake/internal/classify"
	"github.com/thebtf/stocktake/internal/config"
	"github.com/thebtf/stocktake/internal/enrich"
	"github.com/thebtf/stocktake/internal/source"
	"github.com/thebtf/stocktake/pkg/catalog"
	"github.com/thebtf/stocktake/pkg/similarity"
)

// StageRecord is one per-stage entry of the run statistics.
type StageRecord struct {
	Name           string     `json:"name"`
	DurationMS     int64      `json:"duration_ms"`
	FromCheckpoint bool       `json:"from_checkpoint"`
	Stats          StageStats `json:"stats"`
}

// RunStats accumulates counters across a run. It is append-only and owned
// by the runner; stages report their own StageStats which the runner merges.
type RunStats struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Items      int `json:"items"`
	Categories int `json:"categories"`
	Edges      int `json:"edges"`
	Clusters   int `json:"clusters"`
	Noise      int `json:"noise"`

	EnricherCalls   int64 `json:"enricher_calls"`
	EnricherRetries int64 `json:"enricher_retries"`
	Degraded        int64 `json:"degraded"`
	TokensIn        int64 `json:"tokens_in"`
	TokensOut       int64 `json:"tokens_out"`

	Stages []StageRecord `json:"stages"`
}

// record merges one stage's counters.
func (rs *RunStats) record(name string, st StageStats, dur time.Duration, fromCheckpoint bool) {
	if st.Items > 0 {
		rs.Items = st.Items
	}
	if st.Categories > 0 {
		rs.Categories = st.Categories
	}
	if st.Edges > 0 {
		rs.Edges = st.Edges
	}
	if st.Clusters > 0 {
		rs.Clusters = st.Clusters
		rs.Noise = st.Noise
	}
	rs.EnricherCalls += st.Calls
	rs.EnricherRetries += st.Retries
	rs.Degraded += st.Degraded
	rs.TokensIn += st.TokensIn
	rs.TokensOut += st.TokensOut
	rs.Stages = append(rs.Stages, StageRecord{
		Name:           name,
		DurationMS:     dur.Milliseconds(),
		FromCheckpoint: fromCheckpoint,
		Stats:          st,
	})
}

// Runner drives the stage chain: it resolves the resume point from the
// checkpoint store, executes stages in order against the item table and
// checkpoints each success. The table is exclusively owned by the runner
// for the duration of the run.
type Runner struct {
	cfg      *config.Config
	registry *Registry

	mu   sync.Mutex
	live RunStats
}

// NewRunner wires the collaborators into the configured stage chain.
// Disabled stages (enrich, cluster) are not registered at all, so their
// old checkpoints are neither consulted nor invalidated.
func NewRunner(cfg *config.Config, src source.DataSource, enricher enrich.Enricher, model classify.Model) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		var err error
		src, err = source.ForKind(cfg.Input.Source, cfg.Input.Table)
		if err != nil {
			return nil, err
		}
	}
	if enricher == nil {
		enricher = enrich.Passthrough{}
	}

	r := &Runner{cfg: cfg, registry: NewRegistry()}

	stages := []Stage{
		&loadStage{src: src, path: cfg.Input.Path, kind: cfg.Input.Source, table: cfg.Input.Table},
		&cleanStage{},
	}
	if cfg.Enrich {
		exec, err := enrich.NewExecutor(enricher, cfg.Enricher)
		if err != nil {
			return nil, err
		}
		stages = append(stages, &enrichStage{exec: exec, opts: cfg.Enricher})
	}
	stages = append(stages,
		&classifyStage{classifier: classify.Select(model, cfg.Rules), rules: cfg.Rules},
		&similarityStage{engine: similarity.New(cfg.Similarity), cfg: cfg.Similarity},
	)
	if cfg.Cluster {
		stages = append(stages, &clusterStage{params: cfg.Clustering})
	}
	stages = append(stages, &reportStage{
		outDir:    cfg.OutputDir,
		visualize: cfg.Visualize,
		stats:     r.statsSnapshot,
	})

	for _, s := range stages {
		if err := r.registry.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Stages returns the configured stage names in execution order.
func (r *Runner) Stages() []string {
	return r.registry.Names()
}

// Stats returns a snapshot of the live run statistics.
func (r *Runner) Stats() RunStats {
	return *r.statsSnapshot()
}

func (r *Runner) statsSnapshot() *RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.live
	cp.Stages = append([]StageRecord(nil), r.live.Stages...)
	return &cp
}

func (r *Runner) publish(stats *RunStats) {
	r.mu.Lock()
	r.live = *stats
	r.live.Stages = append([]StageRecord(nil), stats.Stages...)
	r.mu.Unlock()
}

// Run executes the pipeline and returns the accumulated statistics on full
// completion. On stage failure the run halts immediately with a StageError;
// prior checkpoints stay intact and re-invoking Run with the same
// configuration resumes from the failed stage.
func (r *Runner) Run(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	r.publish(stats)

	store, err := OpenStore(r.cfg.CheckpointDir, stats.RunID)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	start, state, skipped, err := r.resolveStart(store)
	if err != nil {
		return nil, err
	}
	for _, cp := range skipped {
		stats.record(cp.Stage, cp.Stats, 0, true)
	}
	r.publish(stats)

	stages := r.registry.Stages()
	if start > 0 && start < len(stages) {
		log.Info().
			Str("runId", stats.RunID).
			Str("stage", stages[start].Name()).
			Int("checkpointed", start).
			Msg("Resuming from checkpoint")
	}

	for i := start; i < len(stages); i++ {
		st := stages[i]

		// Fingerprint over the table as the stage sees it, before it runs.
		fp, err := Fingerprint(st.Name(), st.Params(), state.Table.Hash())
		if err != nil {
			return nil, stageErr(st.Name(), KindInternal, err)
		}

		began := time.Now()
		stStats, err := st.Run(ctx, state)
		if err != nil {
			err = wrapStageErr(st.Name(), err)
			log.Error().Err(err).Str("stage", st.Name()).Msg("Stage failed, run halted")
			return nil, err
		}

		cp := &Checkpoint{
			Stage:       st.Name(),
			Fingerprint: fp,
			RunID:       stats.RunID,
			CompletedAt: time.Now().UTC(),
			Stats:       stStats,
			State:       state.Clone(),
		}
		if err := store.Save(cp); err != nil {
			return nil, stageErr(st.Name(), KindInternal, err)
		}

		dur := time.Since(began)
		stats.record(st.Name(), stStats, dur, false)
		r.publish(stats)
		log.Info().
			Str("stage", st.Name()).
			Dur("duration", dur).
			Int("items", stStats.Items).
			Msg("Stage complete")
	}

	stats.FinishedAt = time.Now().UTC()
	r.publish(stats)
	return stats, nil
}

// resolveStart scans checkpoints from the first stage forward and returns
// the index of the first stage that must execute, the state restored from
// the last fresh checkpoint, and the checkpoints being skipped. Every stage
// from the returned index onward re-executes: later checkpoints are invalid
// by construction because each fingerprint covers the upstream table.
func (r *Runner) resolveStart(store *Store) (int, *State, []*Checkpoint, error) {
	state := &State{Table: catalog.NewTable()}
	if r.cfg.Force {
		return 0, state, nil, nil
	}

	var skipped []*Checkpoint
	for i, st := range r.registry.Stages() {
		cp, err := store.Load(st.Name())
		if err != nil {
			if errors.Is(err, ErrCheckpointCorrupt) {
				return 0, nil, nil, stageErr(st.Name(), KindCheckpoint,
					fmt.Errorf("%w; rerun with force to rebuild", err))
			}
			return 0, nil, nil, stageErr(st.Name(), KindInternal, err)
		}
		if cp == nil {
			return i, state, skipped, nil
		}
		fp, err := Fingerprint(st.Name(), st.Params(), state.Table.Hash())
		if err != nil {
			return 0, nil, nil, stageErr(st.Name(), KindInternal, err)
		}
		if cp.Fingerprint != fp {
			log.Debug().Str("stage", st.Name()).Msg("Checkpoint stale, re-executing from here")
			return i, state, skipped, nil
		}
		state = cp.State
		skipped = append(skipped, cp)
	}
	return len(r.registry.Stages()), state, skipped, nil
}

// wrapStageErr ensures every halt surfaces as a structured StageError.
func wrapStageErr(stage string, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return stageErr(stage, KindCanceled, err)
	}
	return stageErr(stage, KindInternal, err)
}
