package mapper

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
)

func TestParamsToTextDocumentPosition(t *testing.T) {
	raw := json.RawMessage(`{"textDocument":{"uri":"file:///a.c"},"position":{"line":3,"character":7}}`)
	params, err := ParamsToTextDocumentPosition(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.DocumentURI("file:///a.c"), params.TextDocument.URI)
	assert.Equal(t, protocol.Position{Line: 3, Character: 7}, params.Position)

	_, err = ParamsToTextDocumentPosition(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestResultToLocations(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantNull  bool
		wantKind  string
		wantCount int
	}{
		{name: "null result", raw: `null`, wantNull: true},
		{name: "single location", raw: `{"uri":"file:///a.c","range":{"start":{"line":1,"character":0},"end":{"line":1,"character":4}}}`, wantKind: "single"},
		{name: "location list", raw: `[{"uri":"file:///a.c","range":{"start":{"line":1,"character":0},"end":{"line":1,"character":4}}}]`, wantKind: "locations", wantCount: 1},
		{name: "empty list", raw: `[]`, wantKind: "locations", wantCount: 0},
		{name: "location links", raw: `[{"targetUri":"file:///a.c","targetRange":{"start":{"line":1,"character":0},"end":{"line":2,"character":0}},"targetSelectionRange":{"start":{"line":1,"character":0},"end":{"line":1,"character":4}}}]`, wantKind: "links", wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locs, err := ResultToLocations(json.RawMessage(tt.raw))
			require.NoError(t, err)
			if tt.wantNull {
				assert.True(t, locs.IsNull())
				return
			}
			switch tt.wantKind {
			case "single":
				assert.NotNil(t, locs.Single)
			case "locations":
				require.NotNil(t, locs.Locations)
				assert.Len(t, locs.Locations, tt.wantCount)
			case "links":
				require.NotNil(t, locs.Links)
				assert.Len(t, locs.Links, tt.wantCount)
			}
		})
	}
}

func TestPatchObjectFields(t *testing.T) {
	raw := json.RawMessage(`{"position":{"line":1,"character":2},"workDoneToken":"abc","custom":{"nested":true}}`)

	patched, err := PatchObjectFields(raw, map[string]interface{}{
		"position": protocol.Position{Line: 9, Character: 4},
	})
	require.NoError(t, err)

	decoded := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(patched, &decoded))
	assert.JSONEq(t, `{"line":9,"character":4}`, string(decoded["position"]))

	// Fields the patch does not name survive untouched.
	assert.JSONEq(t, `"abc"`, string(decoded["workDoneToken"]))
	assert.JSONEq(t, `{"nested":true}`, string(decoded["custom"]))
}

func TestPatchObjectFieldsRemoves(t *testing.T) {
	raw := json.RawMessage(`{"text":"full content","textDocument":{"uri":"file:///a.c"}}`)

	patched, err := PatchObjectFields(raw, map[string]interface{}{"text": nil})
	require.NoError(t, err)

	decoded := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(patched, &decoded))
	_, ok := decoded["text"]
	assert.False(t, ok)
	_, ok = decoded["textDocument"]
	assert.True(t, ok)
}
