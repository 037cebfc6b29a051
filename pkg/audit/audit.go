package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"qi-agent/core/internal/utils"
)

// ActionType enumerates the auditable event kinds.
type ActionType string

const (
	ActionSessionStarted    ActionType = "session_started"
	ActionQueryReceived     ActionType = "query_received"
	ActionToolCalled        ActionType = "tool_called"
	ActionToolResult        ActionType = "tool_result"
	ActionValidationCheck   ActionType = "validation_check"
	ActionGroundingCheck    ActionType = "grounding_check"
	ActionResponseGenerated ActionType = "response_generated"
	ActionError             ActionType = "error"
	ActionDecision          ActionType = "decision"
)

// DefaultMaxBytes is the rotation ceiling for one audit file.
const DefaultMaxBytes = 10 << 20 // 10 MiB

// Entry is one append-only audit record.
type Entry struct {
	Timestamp  string         `json:"timestamp"`
	AgentKey   string         `json:"agent_key"`
	SessionID  string         `json:"session_id"`
	ActionType ActionType     `json:"action_type"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Logger appends JSONL audit entries, one file per agent key, rotating on a
// size ceiling. Entries are never mutated after write.
type Logger struct {
	root     string
	maxBytes int64
	logger   utils.ExtendedLogger

	mu    sync.Mutex
	files map[string]*agentFile

	now func() time.Time
}

type agentFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// New creates the audit root and a logger over it. maxBytes <= 0 selects the
// default ceiling.
func New(root string, maxBytes int64, logger utils.ExtendedLogger) (*Logger, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit root: %w", err)
	}
	return &Logger{
		root:     root,
		maxBytes: maxBytes,
		logger:   logger,
		files:    make(map[string]*agentFile),
		now:      time.Now,
	}, nil
}

// Log appends one entry to the agent's audit file. Payload values are
// sanitized before write.
func (l *Logger) Log(agentKey, sessionID string, action ActionType, payload map[string]any) error {
	entry := Entry{
		Timestamp:  l.now().UTC().Format(time.RFC3339Nano),
		AgentKey:   agentKey,
		SessionID:  sessionID,
		ActionType: action,
		Payload:    sanitizePayload(payload),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	line = append(line, '\n')

	af, err := l.fileFor(agentKey)
	if err != nil {
		return err
	}

	af.mu.Lock()
	defer af.mu.Unlock()

	if af.size+int64(len(line)) > l.maxBytes && af.size > 0 {
		if err := l.rotateLocked(af); err != nil {
			return err
		}
	}
	n, err := af.f.Write(line)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	af.size += int64(n)
	return nil
}

// FilePath returns the active audit file for an agent key.
func (l *Logger) FilePath(agentKey string) string {
	return filepath.Join(l.root, agentKey+"_audit.jsonl")
}

// Close flushes and closes every open file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for key, af := range l.files {
		af.mu.Lock()
		if err := af.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		af.mu.Unlock()
		delete(l.files, key)
	}
	return firstErr
}

func (l *Logger) fileFor(agentKey string) (*agentFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if af, ok := l.files[agentKey]; ok {
		return af, nil
	}
	path := l.FilePath(agentKey)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file for %s: %w", agentKey, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat audit file for %s: %w", agentKey, err)
	}
	af := &agentFile{path: path, f: f, size: info.Size()}
	l.files[agentKey] = af
	return af, nil
}

// rotateLocked renames the active file to the next free .N suffix and opens
// a fresh one. Rotation never truncates the rotated tail.
func (l *Logger) rotateLocked(af *agentFile) error {
	if err := af.f.Close(); err != nil {
		return fmt.Errorf("failed to close audit file for rotation: %w", err)
	}
	suffix := 1
	for {
		candidate := fmt.Sprintf("%s.%d", af.path, suffix)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if err := os.Rename(af.path, candidate); err != nil {
				return fmt.Errorf("failed to rotate audit file: %w", err)
			}
			break
		}
		suffix++
	}
	f, err := os.OpenFile(af.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen audit file after rotation: %w", err)
	}
	af.f = f
	af.size = 0
	if l.logger != nil {
		l.logger.Debugf("rotated audit file %s", af.path)
	}
	return nil
}

var secretPatterns = []*regexp.Regexp{
	// Vendor API key prefixes.
	regexp.MustCompile(`(?i)\b(sk|pk|rk)[-_][A-Za-z0-9_\-]{16,}`),
	// Bearer tokens and Authorization header values.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]{8,}`),
	regexp.MustCompile(`(?i)authorization["':\s=]+[A-Za-z0-9._\-]{8,}`),
	// Long opaque tokens.
	regexp.MustCompile(`\b[A-Za-z0-9_\-]{48,}\b`),
}

func sanitizeString(s string) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

var secretKeyNames = regexp.MustCompile(`(?i)(api[_-]?key|authorization|token|secret|password)`)

func sanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if secretKeyNames.MatchString(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case map[string]any:
		return sanitizePayload(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
