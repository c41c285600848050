package session

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/state/sessions")

	sess := store.New("demo")
	sess.Provider = "google"
	sess.Messages = append(sess.Messages,
		Message{Role: RoleSystem, Content: "be brief"},
		Message{Role: RoleUser, Content: "hi"},
		Message{
			Role:    RoleAssistant,
			Content: "hello",
			ModelID: "gemini-2.5-flash",
			Steps: []StepContent{{
				Text: "hello",
				ToolCalls: []ToolCallRecord{{
					CallID:   "c1",
					ToolName: "list_dir",
					Input:    map[string]any{"path": "."},
					Result:   map[string]any{"entries": []any{}},
				}},
			}},
		},
	)
	require.NoError(t, store.Save(sess))

	loaded, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", loaded.Name)
	assert.Equal(t, "google", loaded.Provider)
	require.Len(t, loaded.Messages, 3)
	assert.Equal(t, RoleAssistant, loaded.Messages[2].Role)
	assert.Equal(t, "gemini-2.5-flash", loaded.Messages[2].ModelID)
	require.Len(t, loaded.Messages[2].Steps, 1)
	assert.Equal(t, "list_dir", loaded.Messages[2].Steps[0].ToolCalls[0].ToolName)
}

func TestStoreLoadMissing(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/state/sessions")
	_, err := store.Load("nope")
	assert.Error(t, err)
}

func TestStoreList(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/s")

	names, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, store.Save(store.New("b")))
	require.NoError(t, store.Save(store.New("a")))
	require.NoError(t, afero.WriteFile(fs, "/s/notes.txt", []byte("x"), 0o644))

	names, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestNewDefaultName(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/s")
	sess := store.New("")
	assert.NotEmpty(t, sess.Name)
	assert.NotNil(t, sess.Messages)
}
