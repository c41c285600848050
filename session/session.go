package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/m4xw311/loopy/errors"
	"github.com/spf13/afero"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCallRecord is one tool invocation within a turn. A nil Result means
// the call is still pending or was dropped.
type ToolCallRecord struct {
	CallID   string         `json:"callId,omitempty"`
	ToolName string         `json:"toolName"`
	Input    map[string]any `json:"input,omitempty"`
	Result   any            `json:"result,omitempty"`
	IsError  bool           `json:"isError,omitempty"`
}

// StepContent is one provider round-trip: text produced in that step and
// the tool calls it issued, in order.
type StepContent struct {
	Text      string           `json:"text,omitempty"`
	ToolCalls []ToolCallRecord `json:"toolCalls,omitempty"`
}

type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content"`
	ModelID string        `json:"modelId,omitempty"`
	Steps   []StepContent `json:"steps,omitempty"`
}

type Session struct {
	Name      string    `json:"name"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists sessions as JSON documents under a single directory.
type Store struct {
	fs  afero.Fs
	dir string
}

func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// New creates a new, unsaved session.
func (s *Store) New(name string) *Session {
	if name == "" {
		name = DefaultName()
	}
	now := time.Now()
	return &Session{
		Name:      name,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Load loads an existing session from disk.
func (s *Store) Load(name string) (*Session, error) {
	path := s.path(name)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	if sess.Name == "" {
		sess.Name = name
	}
	return &sess, nil
}

// Save writes the session state to disk.
func (s *Store) Save(sess *Session) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "could not create session directory")
	}
	sess.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	return afero.WriteFile(s.fs, s.path(sess.Name), data, 0o644)
}

// List returns the names of all saved sessions, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not list sessions")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", name))
}

// DefaultName derives a session name from the working directory and the
// current time.
func DefaultName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "loopy"
	}
	return fmt.Sprintf("%s_%s", filepath.Base(wd), time.Now().Format("2006-01-02_15-04-05"))
}
