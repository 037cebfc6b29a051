package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, maxBytes int64) (*Logger, string) {
	t.Helper()
	root := t.TempDir()
	l, err := New(root, maxBytes, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, root
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestLogAppendsJSONLPerAgent(t *testing.T) {
	l, _ := newTestLogger(t, 0)

	require.NoError(t, l.Log("pubmed", "sess-1", ActionQueryReceived, map[string]any{"query": "falls"}))
	require.NoError(t, l.Log("pubmed", "sess-1", ActionResponseGenerated, map[string]any{"validation_passed": true}))
	require.NoError(t, l.Log("timeline", "sess-1", ActionQueryReceived, nil))

	pubmed := readEntries(t, l.FilePath("pubmed"))
	require.Len(t, pubmed, 2)
	assert.Equal(t, ActionQueryReceived, pubmed[0].ActionType)
	assert.Equal(t, ActionResponseGenerated, pubmed[1].ActionType)
	assert.Equal(t, "sess-1", pubmed[0].SessionID)

	timeline := readEntries(t, l.FilePath("timeline"))
	require.Len(t, timeline, 1)
}

func TestResponseHasPrecedingQueryWithSameSession(t *testing.T) {
	l, _ := newTestLogger(t, 0)

	require.NoError(t, l.Log("nursing", "sess-9", ActionQueryReceived, nil))
	require.NoError(t, l.Log("nursing", "sess-9", ActionGroundingCheck, map[string]any{"passed": false, "unverified": []any{"98765432"}}))
	require.NoError(t, l.Log("nursing", "sess-9", ActionResponseGenerated, map[string]any{"validation_passed": false}))

	entries := readEntries(t, l.FilePath("nursing"))
	require.Len(t, entries, 3)

	// A failed response_generated must be preceded by a failed grounding
	// check for the same session.
	var sawQuery, sawFailedCheck bool
	for _, e := range entries {
		switch e.ActionType {
		case ActionQueryReceived:
			sawQuery = true
		case ActionGroundingCheck:
			assert.True(t, sawQuery)
			assert.Equal(t, false, e.Payload["passed"])
			sawFailedCheck = true
		case ActionResponseGenerated:
			assert.True(t, sawFailedCheck)
		}
	}
}

func TestFailedResponsesFollowFailedChecks(t *testing.T) {
	l, _ := newTestLogger(t, 0)

	// Refusal turn: grounding holds, the response records passed.
	require.NoError(t, l.Log("citation", "sess-2", ActionQueryReceived, nil))
	require.NoError(t, l.Log("citation", "sess-2", ActionResponseGenerated, map[string]any{"validation_passed": true, "refused": true}))

	// Hallucination turn: the failed check lands before the failed response.
	require.NoError(t, l.Log("citation", "sess-3", ActionQueryReceived, nil))
	require.NoError(t, l.Log("citation", "sess-3", ActionGroundingCheck, map[string]any{"passed": false, "unverified": []any{"99999999"}}))
	require.NoError(t, l.Log("citation", "sess-3", ActionResponseGenerated, map[string]any{"validation_passed": false}))

	entries := readEntries(t, l.FilePath("citation"))
	require.Len(t, entries, 5)

	failedChecks := make(map[string]bool)
	for _, e := range entries {
		switch e.ActionType {
		case ActionValidationCheck, ActionGroundingCheck:
			if e.Payload["passed"] == false {
				failedChecks[e.SessionID] = true
			}
		case ActionResponseGenerated:
			if e.Payload["validation_passed"] == false {
				assert.True(t, failedChecks[e.SessionID],
					"failed response in session %s has no preceding failed check", e.SessionID)
			}
		}
	}
}

func TestSanitizerRedactsSecrets(t *testing.T) {
	l, _ := newTestLogger(t, 0)

	require.NoError(t, l.Log("pubmed", "s", ActionToolCalled, map[string]any{
		"api_key": "sk-live-abcdef1234567890abcdef",
		"params": map[string]any{
			"header": "Bearer abc123def456ghi789",
			"query":  "fall prevention",
		},
	}))

	entries := readEntries(t, l.FilePath("pubmed"))
	require.Len(t, entries, 1)
	assert.Equal(t, "[REDACTED]", entries[0].Payload["api_key"])

	params := entries[0].Payload["params"].(map[string]any)
	assert.NotContains(t, params["header"], "abc123def456ghi789")
	assert.Equal(t, "fall prevention", params["query"])
}

func TestRotationPreservesTail(t *testing.T) {
	l, root := newTestLogger(t, 600)

	for i := 0; i < 20; i++ {
		require.NoError(t, l.Log("arxiv", "s", ActionToolResult, map[string]any{
			"padding": strings.Repeat("x", 100),
			"index":   i,
		}))
	}

	files, err := filepath.Glob(filepath.Join(root, "arxiv_audit.jsonl*"))
	require.NoError(t, err)
	assert.Greater(t, len(files), 1, "rotation should have produced suffixed files")

	// Every entry survives across active + rotated files.
	total := 0
	for _, f := range files {
		total += len(readEntries(t, f))
	}
	assert.Equal(t, 20, total)
}

func TestConcurrentWritersSerialize(t *testing.T) {
	l, _ := newTestLogger(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = l.Log("picot", "s", ActionDecision, map[string]any{"writer": n, "seq": j})
			}
		}(i)
	}
	wg.Wait()

	entries := readEntries(t, l.FilePath("picot"))
	assert.Len(t, entries, 200, "every concurrent entry lands on its own line")
}
