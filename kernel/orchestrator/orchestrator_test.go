package orchestrator_test

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leolilley/ryeos-kernel/internal/kernelerrors"
	"github.com/leolilley/ryeos-kernel/kernel/orchestrator"
	"github.com/leolilley/ryeos-kernel/kernel/registry"
	"github.com/leolilley/ryeos-kernel/kernel/runner"
	"github.com/leolilley/ryeos-kernel/kernel/sign"
	"github.com/leolilley/ryeos-kernel/kernel/transcript"
)

func newTestSigner(t *testing.T) *sign.Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	fp := sign.Fingerprint(pub)
	return sign.New(sign.KeyPair{Private: priv, Fingerprint: fp}, sign.TrustStore{fp: pub})
}

// fakeRegistry is an in-memory registry.Store good enough to exercise
// continuation chains, status updates, and GetThread lookups.
type fakeRegistry struct {
	records map[string]registry.Record
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: make(map[string]registry.Record)}
}

func (f *fakeRegistry) Register(_ context.Context, rec registry.Record) (registry.Record, error) {
	f.records[rec.ThreadID] = rec
	return rec, nil
}

func (f *fakeRegistry) UpdateStatus(_ context.Context, threadID string, status registry.Status) error {
	rec, ok := f.records[threadID]
	if !ok {
		return registry.ErrNotFound
	}
	rec.Status = status
	f.records[threadID] = rec
	return nil
}

func (f *fakeRegistry) SetResult(_ context.Context, threadID, resultText string, outputs []byte, errText string) error {
	rec, ok := f.records[threadID]
	if !ok {
		return registry.ErrNotFound
	}
	rec.ResultText, rec.Outputs, rec.ErrorText = resultText, outputs, errText
	f.records[threadID] = rec
	return nil
}

func (f *fakeRegistry) SetContinuation(_ context.Context, fromThreadID, toThreadID string) error {
	rec, ok := f.records[fromThreadID]
	if !ok {
		return registry.ErrNotFound
	}
	rec.ContinuationThreadID = toThreadID
	f.records[fromThreadID] = rec
	return nil
}

func (f *fakeRegistry) SetChainInfo(_ context.Context, threadID, chainRootID, previousThreadID string) error {
	rec, ok := f.records[threadID]
	if !ok {
		return registry.ErrNotFound
	}
	rec.ChainRootID, rec.PreviousThreadID = chainRootID, previousThreadID
	f.records[threadID] = rec
	return nil
}

func (f *fakeRegistry) GetThread(_ context.Context, threadID string) (registry.Record, error) {
	rec, ok := f.records[threadID]
	if !ok {
		return registry.Record{}, registry.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRegistry) ListActive(_ context.Context) ([]registry.Record, error) {
	var out []registry.Record
	for _, rec := range f.records {
		if !rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeRegistry) ListChildren(_ context.Context, parentID string) ([]registry.Record, error) {
	var out []registry.Record
	for _, rec := range f.records {
		if rec.ParentID == parentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func TestWaitThreadsInProcessAllSuccess(t *testing.T) {
	reg := newFakeRegistry()
	reg.Register(context.Background(), registry.Record{ThreadID: "t1", DirectiveID: "d1", Status: registry.StatusRunning})
	reg.Register(context.Background(), registry.Record{ThreadID: "t2", DirectiveID: "d1", Status: registry.StatusRunning})

	o := orchestrator.New(orchestrator.Config{Registry: reg})
	o.RegisterThread("t1", 0)
	o.RegisterThread("t2", 0)

	go func() {
		o.CompleteThread("t1", runner.Result{Status: "completed", Success: true})
		o.CompleteThread("t2", runner.Result{Status: "completed", Success: true})
	}()

	results, allSuccess := o.WaitThreads(context.Background(), []string{"t1", "t2"}, 2*time.Second)

	require.True(t, allSuccess)
	require.Equal(t, "completed", results["t1"].Status)
	require.Equal(t, "completed", results["t2"].Status)
}

func TestWaitThreadsOneFailureBreaksAllSuccess(t *testing.T) {
	reg := newFakeRegistry()
	reg.Register(context.Background(), registry.Record{ThreadID: "t1", DirectiveID: "d1", Status: registry.StatusRunning})

	o := orchestrator.New(orchestrator.Config{Registry: reg})
	o.RegisterThread("t1", 0)
	o.CompleteThread("t1", runner.Result{Status: "error", Success: false})

	_, allSuccess := o.WaitThreads(context.Background(), []string{"t1"}, 2*time.Second)

	require.False(t, allSuccess)
}

func TestWaitThreadsPollsRegistryForUntrackedThread(t *testing.T) {
	reg := newFakeRegistry()
	reg.Register(context.Background(), registry.Record{ThreadID: "cross", DirectiveID: "d1", Status: registry.StatusRunning})

	o := orchestrator.New(orchestrator.Config{Registry: reg, PollInterval: 20 * time.Millisecond})

	go func() {
		time.Sleep(60 * time.Millisecond)
		reg.UpdateStatus(context.Background(), "cross", registry.StatusCompleted)
	}()

	results, allSuccess := o.WaitThreads(context.Background(), []string{"cross"}, 2*time.Second)

	require.True(t, allSuccess)
	require.Equal(t, "completed", results["cross"].Status)
}

func TestWaitThreadsNotFoundShortCircuits(t *testing.T) {
	reg := newFakeRegistry()
	o := orchestrator.New(orchestrator.Config{Registry: reg, PollInterval: 10 * time.Millisecond})

	results, allSuccess := o.WaitThreads(context.Background(), []string{"ghost"}, 300*time.Millisecond)

	require.False(t, allSuccess)
	require.Equal(t, "not_found", results["ghost"].Status)
}

func TestCancelThreadClosesChannelAndIsIdempotent(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{Registry: newFakeRegistry()})
	cancel := o.RegisterThread("t1", 0)

	require.True(t, o.CancelThread("t1"))

	select {
	case <-cancel:
	default:
		t.Fatal("expected cancel channel to be closed")
	}

	// Second call must not panic on a double close.
	require.True(t, o.CancelThread("t1"))
}

func TestCancelThreadUnknownReportsFalse(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{Registry: newFakeRegistry()})
	require.False(t, o.CancelThread("never-registered"))
}

func TestCheckSpawnLimitAndIncrement(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{Registry: newFakeRegistry()})
	o.RegisterThread("parent", 0)

	require.Nil(t, o.CheckSpawnLimit("parent", 2))

	require.Equal(t, 1, o.IncrementSpawnCount("parent"))
	require.Nil(t, o.CheckSpawnLimit("parent", 2))

	require.Equal(t, 2, o.IncrementSpawnCount("parent"))
	breach := o.CheckSpawnLimit("parent", 2)
	require.NotNil(t, breach)
	require.Equal(t, kernelerrors.LimitSpawns, breach.Code)
	require.Equal(t, float64(2), breach.Observed)
}

func TestCheckSpawnLimitUnlimitedWhenZero(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{Registry: newFakeRegistry()})
	o.RegisterThread("parent", 0)
	o.IncrementSpawnCount("parent")
	o.IncrementSpawnCount("parent")
	require.Nil(t, o.CheckSpawnLimit("parent", 0))
}

func TestHandoffThreadLinksContinuationAndAppendsEvent(t *testing.T) {
	reg := newFakeRegistry()
	reg.Register(context.Background(), registry.Record{ThreadID: "t1", DirectiveID: "d1", Status: registry.StatusRunning})

	dir := t.TempDir()
	signer := newTestSigner(t)
	o := orchestrator.New(orchestrator.Config{
		Registry:       reg,
		Signer:         signer,
		TranscriptPath: func(threadID string) string { return filepath.Join(dir, threadID+".jsonl") },
		Spawn: func(_ context.Context, params orchestrator.SpawnParams) (string, bool, error) {
			require.Equal(t, "d1", params.DirectiveID)
			require.Equal(t, "t1", params.PreviousThreadID)
			// A real SpawnFunc registers the thread it starts.
			reg.Register(context.Background(), registry.Record{ThreadID: "t2", DirectiveID: params.DirectiveID, Status: registry.StatusRunning})
			return "t2", true, nil
		},
	})

	newID, success, err := o.HandoffThread(context.Background(), "t1", "continue here")

	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, "t2", newID)

	rec, err := reg.GetThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "t2", rec.ContinuationThreadID)

	successor, err := reg.GetThread(context.Background(), "t2")
	require.NoError(t, err)
	require.Equal(t, "t1", successor.ChainRootID)
	require.Equal(t, "t1", successor.PreviousThreadID)

	result, err := transcript.Verify(filepath.Join(dir, "t1.jsonl"), signer, true)
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	require.Equal(t, transcript.EventThreadHandoff, result.Events[0].Type)
}

func TestHandoffThreadChainRootCarriesThroughTwoHops(t *testing.T) {
	reg := newFakeRegistry()
	reg.Register(context.Background(), registry.Record{ThreadID: "t1", DirectiveID: "d1", Status: registry.StatusRunning})
	reg.Register(context.Background(), registry.Record{ThreadID: "t2", DirectiveID: "d1", Status: registry.StatusRunning, ChainRootID: "t1", PreviousThreadID: "t1"})
	reg.records["t1"] = registry.Record{ThreadID: "t1", DirectiveID: "d1", Status: registry.StatusRunning, ContinuationThreadID: "t2"}

	dir := t.TempDir()
	o := orchestrator.New(orchestrator.Config{
		Registry:       reg,
		TranscriptPath: func(threadID string) string { return filepath.Join(dir, threadID+".jsonl") },
		Spawn: func(_ context.Context, params orchestrator.SpawnParams) (string, bool, error) {
			require.Equal(t, "t2", params.PreviousThreadID)
			reg.Register(context.Background(), registry.Record{ThreadID: "t3", DirectiveID: params.DirectiveID, Status: registry.StatusRunning})
			return "t3", true, nil
		},
	})

	newID, success, err := o.HandoffThread(context.Background(), "t2", "continue again")
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, "t3", newID)

	successor, err := reg.GetThread(context.Background(), "t3")
	require.NoError(t, err)
	require.Equal(t, "t1", successor.ChainRootID)
}

func TestResumeThreadRejectsNonTerminal(t *testing.T) {
	reg := newFakeRegistry()
	reg.Register(context.Background(), registry.Record{ThreadID: "t1", DirectiveID: "d1", Status: registry.StatusRunning})
	o := orchestrator.New(orchestrator.Config{Registry: reg})

	_, _, err := o.ResumeThread(context.Background(), "t1", "hello again")
	require.Error(t, err)
}

func TestResumeThreadRejectsKilled(t *testing.T) {
	reg := newFakeRegistry()
	reg.Register(context.Background(), registry.Record{ThreadID: "t1", DirectiveID: "d1", Status: registry.StatusKilled})
	o := orchestrator.New(orchestrator.Config{Registry: reg})

	_, _, err := o.ResumeThread(context.Background(), "t1", "hello again")
	require.Error(t, err)
}

func TestResumeThreadSpawnsFromCompletedThread(t *testing.T) {
	reg := newFakeRegistry()
	reg.Register(context.Background(), registry.Record{ThreadID: "t1", DirectiveID: "d1", Status: registry.StatusCompleted})

	dir := t.TempDir()
	o := orchestrator.New(orchestrator.Config{
		Registry:       reg,
		TranscriptPath: func(threadID string) string { return filepath.Join(dir, threadID+".jsonl") },
		Spawn: func(_ context.Context, params orchestrator.SpawnParams) (string, bool, error) {
			require.Equal(t, "hello again", params.ContinuationMessage)
			reg.Register(context.Background(), registry.Record{ThreadID: "t2", DirectiveID: params.DirectiveID, Status: registry.StatusRunning})
			return "t2", true, nil
		},
	})

	newID, success, err := o.ResumeThread(context.Background(), "t1", "hello again")
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, "t2", newID)
}

func TestKillThreadUpdatesRegistryAndClosesDone(t *testing.T) {
	reg := newFakeRegistry()
	reg.Register(context.Background(), registry.Record{ThreadID: "t1", DirectiveID: "d1", Status: registry.StatusRunning})
	o := orchestrator.New(orchestrator.Config{Registry: reg})
	o.RegisterThread("t1", 0)

	pid, err := o.SpawnDetached("sleep", []string{"5"}, filepath.Join(t.TempDir(), "log.txt"), nil)
	require.NoError(t, err)
	o.SetPID("t1", pid)

	err = o.KillThread(context.Background(), "t1")
	require.NoError(t, err)

	rec, err := reg.GetThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusKilled, rec.Status)

	// The in-process done channel is closed, so a wait returns at once.
	results, _ := o.WaitThreads(context.Background(), []string{"t1"}, time.Second)
	require.NotEqual(t, "timeout", results["t1"].Status)
}

func TestSpawnDetachedReturnsRunningPID(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{Registry: newFakeRegistry()})
	pid, err := o.SpawnDetached("sleep", []string{"1"}, filepath.Join(t.TempDir(), "log.txt"), map[string]string{"FOO": "bar"})
	require.NoError(t, err)
	require.Greater(t, pid, 0)
}

func TestDepthReportsZeroForUntrackedThread(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{Registry: newFakeRegistry()})
	require.Equal(t, 0, o.Depth("never-registered"))
}

func TestDepthReportsRegisteredValue(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{Registry: newFakeRegistry()})
	o.RegisterThread("t1", 3)
	require.Equal(t, 3, o.Depth("t1"))
}
