package directive_test

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leolilley/ryeos-kernel/kernel/directive"
	"github.com/leolilley/ryeos-kernel/kernel/dispatch"
	"github.com/leolilley/ryeos-kernel/kernel/hooks"
	"github.com/leolilley/ryeos-kernel/kernel/provider"
	"github.com/leolilley/ryeos-kernel/kernel/runner"
	"github.com/leolilley/ryeos-kernel/kernel/safety"
	"github.com/leolilley/ryeos-kernel/kernel/sign"
	"github.com/leolilley/ryeos-kernel/kernel/transcript"
)

// fakeProviderSeq replays a scripted response per CreateCompletion call.
type fakeProviderSeq struct {
	calls int
	resps []provider.Response
}

func (f *fakeProviderSeq) CreateCompletion(_ context.Context, _ []provider.Message, _ []provider.ToolDef, _ string) (provider.Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.resps) {
		return f.resps[i], nil
	}
	return provider.Response{}, nil
}

func (f *fakeProviderSeq) CreateStreamingCompletion(ctx context.Context, messages []provider.Message, tools []provider.ToolDef, _ []provider.Sink, systemPrompt string) (provider.Response, error) {
	return f.CreateCompletion(ctx, messages, tools, systemPrompt)
}

type echoTool struct{}

func (echoTool) Invoke(_ context.Context, _, _ string, params map[string]any) (dispatch.Envelope, error) {
	return dispatch.Envelope{Status: "ok", Data: map[string]any{"content": "wrote file"}}, nil
}

func allowAll(_ []string, _ string) bool { return true }

func newTestSigner(t *testing.T) *sign.Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	fp := sign.Fingerprint(pub)
	return sign.New(sign.KeyPair{Private: priv, Fingerprint: fp}, sign.TrustStore{fp: pub})
}

// TestTranscriptPipelineSurvivesHandoffAndResume drives a real runner
// through a multi-turn thread (one tool call, then a directive return),
// then replays the resulting transcript through the full
// verify -> reconstruct -> convert -> trim pipeline used on context-limit
// handoff (directive.Entry.reconstructResume), confirming prior tool
// history and the leading user turn both survive into the resumed
// message list.
func TestTranscriptPipelineSurvivesHandoffAndResume(t *testing.T) {
	s := newTestSigner(t)
	path := filepath.Join(t.TempDir(), "t1.jsonl")

	w, err := transcript.Open(path, "t1", s)
	require.NoError(t, err)

	d := dispatch.New(allowAll)
	d.Register(dispatch.PrimaryExecute, echoTool{})

	h, err := safety.NewHarness("t1", "/proj", "dir1", []string{"rye.execute.*"}, nil,
		safety.Limits{}, nil, nil, hooks.NewTable(nil, nil))
	require.NoError(t, err)

	prov := &fakeProviderSeq{resps: []provider.Response{
		{ToolCalls: []provider.ToolCall{{
			ID:   "c1",
			Name: "rye_execute",
			Input: map[string]any{
				"item_type":  "tool",
				"item_id":    "fs.write",
				"parameters": map[string]any{"path": "a.go"},
			},
		}}},
		{ToolCalls: []provider.ToolCall{{
			ID:   "c2",
			Name: "rye_execute",
			Input: map[string]any{
				"item_type":  "tool",
				"item_id":    "directive_return",
				"parameters": map[string]any{"summary": "all done"},
			},
		}}},
	}}

	cfg := runner.Config{
		Harness:      h,
		Provider:     prov,
		Dispatcher:   d,
		Transcript:   w,
		Model:        "test-model",
		OutputFields: []string{"summary"},
	}

	res := runner.New(cfg).Run(context.Background(), "t1", runner.Input{UserPrompt: "write the file and finish"})
	require.True(t, res.Success)
	require.Equal(t, "completed", res.Status)
	require.Equal(t, 2, res.Cost.Turns)
	require.NoError(t, w.Close())

	// Two turns occurred, so the loop checkpoints once mid-run and once
	// at finalize: exactly the multi-checkpoint shape that exposed the
	// signature-range bug.
	verified, err := transcript.Verify(path, s, false)
	require.NoError(t, err)
	require.True(t, verified.Valid)
	require.Equal(t, 2, verified.LastCheckpointStep)

	replayed, err := transcript.ReconstructMessages(verified.Events, transcript.ReconstructOptions{})
	require.NoError(t, err)

	converted, err := directive.ToProviderMessages(replayed)
	require.NoError(t, err)
	require.NotEmpty(t, converted)
	require.Equal(t, "user", converted[0].Role)
	require.Contains(t, converted[0].Content, "write the file and finish")

	foundToolResult := false
	for _, m := range converted {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			foundToolResult = true
			require.Contains(t, m.Content, "wrote file")
		}
	}
	require.True(t, foundToolResult, "fs.write tool result must survive reconstruction")

	resumed := directive.TrimForResume(converted, 0, "")
	require.Equal(t, "user", resumed[0].Role, "first-user-message invariant must hold after trim")
	last := resumed[len(resumed)-1]
	require.Equal(t, "user", last.Role)
}

// TestTranscriptPipelineRejectsCorruptedCheckpoint corrupts a byte inside
// a signed, already-checkpointed region of a real runner-written
// transcript and confirms Verify refuses it under the strict integrity
// policy used on resume, rather than silently accepting tampered prior
// context.
func TestTranscriptPipelineRejectsCorruptedCheckpoint(t *testing.T) {
	s := newTestSigner(t)
	path := filepath.Join(t.TempDir(), "t1.jsonl")

	w, err := transcript.Open(path, "t1", s)
	require.NoError(t, err)

	d := dispatch.New(allowAll)
	d.Register(dispatch.PrimaryExecute, echoTool{})

	h, err := safety.NewHarness("t1", "/proj", "dir1", []string{"rye.execute.*"}, nil,
		safety.Limits{}, nil, nil, hooks.NewTable(nil, nil))
	require.NoError(t, err)

	prov := &fakeProviderSeq{resps: []provider.Response{
		{ToolCalls: []provider.ToolCall{{
			ID:   "c1",
			Name: "rye_execute",
			Input: map[string]any{
				"item_type":  "tool",
				"item_id":    "directive_return",
				"parameters": map[string]any{"summary": "done"},
			},
		}}},
	}}

	cfg := runner.Config{
		Harness:      h,
		Provider:     prov,
		Dispatcher:   d,
		Transcript:   w,
		Model:        "test-model",
		OutputFields: []string{"summary"},
	}

	res := runner.New(cfg).Run(context.Background(), "t1", runner.Input{UserPrompt: "finish immediately"})
	require.True(t, res.Success)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	// Flip a byte inside the signed prefix (first line) without touching
	// line framing, simulating tampering with already-checkpointed history.
	corrupted := append([]byte(nil), data...)
	for i := range corrupted {
		if corrupted[i] == '"' {
			corrupted[i] = '\''
			break
		}
	}
	require.NoError(t, os.WriteFile(path, corrupted, 0o644))

	_, err = transcript.Verify(path, s, false)
	require.Error(t, err)
}
