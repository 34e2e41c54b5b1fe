package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/stocktake/internal/classify"
	"github.com/thebtf/stocktake/internal/config"
	"github.com/thebtf/stocktake/internal/enrich"
	"github.com/thebtf/stocktake/internal/report"
	"github.com/thebtf/stocktake/pkg/catalog"
)

// memSource serves a fixed item set, cloned per load so runs never share
// mutable state.
type memSource struct {
	items []*catalog.Item
}

func (m *memSource) Load(_ context.Context, _ string) (*catalog.Table, error) {
	tbl := catalog.NewTable()
	for _, it := range m.items {
		if err := tbl.Add(it.Clone()); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

// scriptedEnricher returns the scripted error for call N, then appends a
// fixed suffix. With an empty script it is deterministic per description.
type scriptedEnricher struct {
	mu     sync.Mutex
	calls  int
	script []error
}

func (e *scriptedEnricher) Enrich(_ context.Context, desc string) (string, error) {
	e.mu.Lock()
	n := e.calls
	e.calls++
	e.mu.Unlock()
	if n < len(e.script) && e.script[n] != nil {
		return "", e.script[n]
	}
	return desc + " (enriched)", nil
}

// failingModel is a ready classifier model that always errors.
type failingModel struct{}

func (failingModel) Ready() bool { return true }
func (failingModel) Predict(_ context.Context, _ string) (string, error) {
	return "", errors.New("model backend down")
}

func fixtureItems() []*catalog.Item {
	return []*catalog.Item{
		{ID: "a", RawDesc: "heavy duty claw hammer with fiberglass handle"},
		{ID: "b", RawDesc: "heavy duty claw hammer with fiberglass handle grip"},
		{ID: "c", RawDesc: "organic green tea sampler box"},
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Input.Path = "fixture"
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.CheckpointDir = filepath.Join(dir, "checkpoints")
	cfg.Clustering.KmeansK = 1
	cfg.Clustering.Seed = 1
	cfg.Enricher.Workers = 2
	cfg.Enricher.MaxRetries = 3
	cfg.Enricher.InitialBackoff = enrich.Duration(time.Millisecond)
	cfg.Enricher.CallTimeout = enrich.Duration(time.Second)
	cfg.Enricher.RatePerSec = 0
	cfg.Enricher.Passthrough = false
	cfg.Rules = []classify.Rule{
		{Category: "tools", Keywords: []string{"hammer", "handle"}},
		{Category: "beverages", Keywords: []string{"tea", "sampler"}},
	}
	return cfg
}

func newTestRunner(t *testing.T, cfg *config.Config, enricher enrich.Enricher) *Runner {
	t.Helper()
	if enricher == nil {
		enricher = &scriptedEnricher{}
	}
	r, err := NewRunner(cfg, &memSource{items: fixtureItems()}, enricher, nil)
	require.NoError(t, err)
	return r
}

func record(stats *RunStats, name string) (StageRecord, bool) {
	for _, rec := range stats.Stages {
		if rec.Name == name {
			return rec, true
		}
	}
	return StageRecord{}, false
}

func readArtifacts(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	for _, name := range []string{report.ItemsFile, report.EdgesFile, report.ClustersFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		out[name] = data
	}
	return out
}

func TestRunFullPipeline(t *testing.T) {
	cfg := testConfig(t)
	r := newTestRunner(t, cfg, nil)

	stats, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Items)
	assert.Equal(t, 2, stats.Categories)
	assert.Equal(t, 1, stats.Edges)
	assert.Equal(t, 2, stats.Clusters) // hammer pair + tea fallback cluster
	assert.Zero(t, stats.Noise)
	assert.False(t, stats.FinishedAt.IsZero())
	require.Len(t, stats.Stages, 7)
	for _, rec := range stats.Stages {
		assert.False(t, rec.FromCheckpoint, "stage %s should have executed", rec.Name)
	}

	// Every stage checkpointed, artifacts on disk.
	store, err := OpenStore(cfg.CheckpointDir, "inspect")
	require.NoError(t, err)
	defer store.Close()
	stages, err := store.List()
	require.NoError(t, err)
	assert.Len(t, stages, 7)

	readArtifacts(t, cfg.OutputDir)
}

func TestRunThreeItemScenario(t *testing.T) {
	cfg := testConfig(t)
	r := newTestRunner(t, cfg, nil)
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	store, err := OpenStore(cfg.CheckpointDir, "inspect")
	require.NoError(t, err)
	defer store.Close()

	cp, err := store.Load(StageCluster)
	require.NoError(t, err)
	require.NotNil(t, cp)

	clusters := cp.State.Clusters
	// Near-duplicate hammers share a density cluster; the tea item was
	// noise and joined the kmeans_k=1 fallback cluster.
	assert.Equal(t, clusters["a"], clusters["b"])
	assert.NotEqual(t, clusters["a"], clusters["c"])
	assert.Equal(t, 1, clusters["c"])
}

func TestRunResumeSkipsFreshStages(t *testing.T) {
	cfg := testConfig(t)

	_, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	stats, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, stats.Stages, 7)
	for _, rec := range stats.Stages {
		assert.True(t, rec.FromCheckpoint, "stage %s should have been skipped", rec.Name)
	}
}

func TestRunResumeReproducesArtifactsByteIdentical(t *testing.T) {
	cfg := testConfig(t)

	_, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)
	scratch := readArtifacts(t, cfg.OutputDir)

	// Drop the tail of the chain; resume must rebuild it identically.
	store, err := OpenStore(cfg.CheckpointDir, "surgery")
	require.NoError(t, err)
	require.NoError(t, store.Delete(StageCluster))
	require.NoError(t, store.Delete(StageReport))
	require.NoError(t, store.Close())

	stats, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	rec, ok := record(stats, StageCluster)
	require.True(t, ok)
	assert.False(t, rec.FromCheckpoint)
	rec, ok = record(stats, StageSimilarity)
	require.True(t, ok)
	assert.True(t, rec.FromCheckpoint)

	assert.Equal(t, scratch, readArtifacts(t, cfg.OutputDir))
}

func TestRunParameterChangeInvalidatesDownstreamOnly(t *testing.T) {
	cfg := testConfig(t)
	_, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	// A new similarity threshold must re-run similarity and everything
	// after it while upstream checkpoints stay untouched.
	cfg.Similarity.Threshold = 0.7
	stats, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	fromCheckpoint := map[string]bool{}
	for _, rec := range stats.Stages {
		fromCheckpoint[rec.Name] = rec.FromCheckpoint
	}
	assert.True(t, fromCheckpoint[StageLoad])
	assert.True(t, fromCheckpoint[StageClean])
	assert.True(t, fromCheckpoint[StageEnrich])
	assert.True(t, fromCheckpoint[StageClassify])
	assert.False(t, fromCheckpoint[StageSimilarity])
	assert.False(t, fromCheckpoint[StageCluster])
	assert.False(t, fromCheckpoint[StageReport])
}

func TestRunForceReExecutesEverything(t *testing.T) {
	cfg := testConfig(t)
	_, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	cfg.Force = true
	stats, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, stats.Stages, 7)
	for _, rec := range stats.Stages {
		assert.False(t, rec.FromCheckpoint, "force must re-execute stage %s", rec.Name)
	}
}

func TestRunRateLimitedRetrySucceeds(t *testing.T) {
	cfg := testConfig(t)
	enricher := &scriptedEnricher{script: []error{enrich.ErrRateLimited}}

	stats, err := newTestRunner(t, cfg, enricher).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.EnricherRetries)
	assert.Equal(t, int64(4), stats.EnricherCalls) // 3 items + 1 retry
}

func TestRunEnricherUnavailableHaltsWithoutPassthrough(t *testing.T) {
	cfg := testConfig(t)
	enricher := &scriptedEnricher{script: []error{
		enrich.ErrUnavailable, enrich.ErrUnavailable, enrich.ErrUnavailable,
	}}

	_, err := newTestRunner(t, cfg, enricher).Run(context.Background())
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageEnrich, se.Stage)
	assert.Equal(t, KindCollaborator, se.Kind)

	// Upstream checkpoints survive the halt; the resumed run skips them.
	stats, err := newTestRunner(t, cfg, &scriptedEnricher{}).Run(context.Background())
	require.NoError(t, err)
	rec, ok := record(stats, StageClean)
	require.True(t, ok)
	assert.True(t, rec.FromCheckpoint)
	rec, ok = record(stats, StageEnrich)
	require.True(t, ok)
	assert.False(t, rec.FromCheckpoint)
}

func TestRunEnricherUnavailableDegradesWithPassthrough(t *testing.T) {
	cfg := testConfig(t)
	cfg.Enricher.Passthrough = true
	enricher := &scriptedEnricher{script: []error{enrich.ErrUnavailable}}

	stats, err := newTestRunner(t, cfg, enricher).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Degraded)
}

func TestRunInterruptedClusterStageResumesFromScratch(t *testing.T) {
	cfg := testConfig(t)
	r := newTestRunner(t, cfg, nil)

	// Cancel the run as soon as the clustering stage begins: the stage must
	// not leave a checkpoint behind.
	ctx, cancel := context.WithCancel(context.Background())
	idx := r.registry.byName[StageCluster]
	r.registry.stages[idx] = &interruptingStage{inner: r.registry.stages[idx], cancel: cancel}

	_, err := r.Run(ctx)
	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageCluster, se.Stage)
	assert.Equal(t, KindCanceled, se.Kind)

	// Resume re-executes clustering in full; upstream stages are skipped.
	stats, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)
	rec, ok := record(stats, StageSimilarity)
	require.True(t, ok)
	assert.True(t, rec.FromCheckpoint)
	rec, ok = record(stats, StageCluster)
	require.True(t, ok)
	assert.False(t, rec.FromCheckpoint)
}

// interruptingStage cancels the run context right before delegating.
type interruptingStage struct {
	inner  Stage
	cancel context.CancelFunc
}

func (s *interruptingStage) Name() string { return s.inner.Name() }
func (s *interruptingStage) Params() any  { return s.inner.Params() }
func (s *interruptingStage) Run(ctx context.Context, state *State) (StageStats, error) {
	s.cancel()
	return s.inner.Run(ctx, state)
}

func TestRunDisabledStageCheckpointUntouched(t *testing.T) {
	cfg := testConfig(t)
	_, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	enrichPath := filepath.Join(cfg.CheckpointDir, StageEnrich+checkpointExt)
	before, err := os.ReadFile(enrichPath)
	require.NoError(t, err)

	cfg.Enrich = false
	stats, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)
	_, ok := record(stats, StageEnrich)
	assert.False(t, ok, "disabled stage must not appear in the run")

	after, err := os.ReadFile(enrichPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "disabled stage checkpoint must not be touched")
}

func TestRunModelFailureSurfacesClassifyStage(t *testing.T) {
	cfg := testConfig(t)
	r, err := NewRunner(cfg, &memSource{items: fixtureItems()}, &scriptedEnricher{}, failingModel{})
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageClassify, se.Stage)
	assert.Equal(t, KindCollaborator, se.Kind)
}

func TestRunRejectsConcurrentWriter(t *testing.T) {
	cfg := testConfig(t)
	store, err := OpenStore(cfg.CheckpointDir, "other-run")
	require.NoError(t, err)
	defer store.Close()

	_, err = newTestRunner(t, cfg, nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrStoreLocked)
}

func TestRunCorruptCheckpointRequiresForce(t *testing.T) {
	cfg := testConfig(t)
	_, err := newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	cleanPath := filepath.Join(cfg.CheckpointDir, StageClean+checkpointExt)
	require.NoError(t, os.WriteFile(cleanPath, []byte("{broken"), 0o644))

	_, err = newTestRunner(t, cfg, nil).Run(context.Background())
	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindCheckpoint, se.Kind)

	// Force ignores the corrupt chain and rebuilds it.
	cfg.Force = true
	_, err = newTestRunner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)
}
