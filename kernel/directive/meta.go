package directive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leolilley/ryeos-kernel/kernel/sign"
)

// ThreadMeta is the on-disk thread.json body: the registry-independent
// summary a thread writes about itself at start and completion,
// independently signable and verifiable so a reader doesn't need
// registry access just to confirm a thread record wasn't tampered with
// after the fact.
type ThreadMeta struct {
	ThreadID    string         `json:"thread_id"`
	DirectiveID string         `json:"directive"`
	ParentID    string         `json:"parent_thread_id,omitempty"`
	Status      string         `json:"status"`
	Model       string         `json:"model,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Depth       int            `json:"depth"`
	Limits      map[string]float64 `json:"limits,omitempty"`
	Cost        map[string]any `json:"cost,omitempty"`
	ResultText  string         `json:"result_text,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	ErrorText   string         `json:"error_text,omitempty"`
}

const threadMetaPrefix = "#"

// WriteThreadMeta writes meta as JSON to path with a leading signed
// header line covering the JSON body, reusing sign.Signer's
// header+body convention rather than inventing a bespoke signed-file
// format for thread.json.
func WriteThreadMeta(signer *sign.Signer, path string, meta ThreadMeta) error {
	body, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("directive: marshal thread meta: %w", err)
	}
	header, err := signer.Sign(threadMetaPrefix, body)
	if err != nil {
		return fmt.Errorf("directive: sign thread meta: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("directive: create thread meta dir: %w", err)
	}
	content := header + "\n" + string(body) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("directive: write thread meta %s: %w", path, err)
	}
	return nil
}

// ReadThreadMeta reads and verifies a thread.json written by
// WriteThreadMeta, returning the parsed meta only if its signature
// checks out against signer's trust store.
func ReadThreadMeta(signer *sign.Signer, path string) (ThreadMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ThreadMeta{}, fmt.Errorf("directive: read thread meta %s: %w", path, err)
	}
	nl := strings.IndexByte(string(raw), '\n')
	if nl < 0 {
		return ThreadMeta{}, fmt.Errorf("directive: thread meta %s has no header line", path)
	}
	header := string(raw[:nl])
	body := raw[nl+1:]
	body = []byte(strings.TrimSuffix(string(body), "\n"))

	if _, err := signer.Verify(header, body); err != nil {
		return ThreadMeta{}, fmt.Errorf("directive: verify thread meta %s: %w", path, err)
	}

	var meta ThreadMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return ThreadMeta{}, fmt.Errorf("directive: parse thread meta %s: %w", path, err)
	}
	return meta, nil
}
