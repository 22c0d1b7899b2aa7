package fabric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"nlds-api.index.init", "nlds-api.index.init", true},
		{"nlds-api.index.init", "nlds-api.index.start", false},
		{"nlds-api.index.*", "nlds-api.index.init", true},
		{"nlds-api.index.*", "nlds-api.catalog-put.init", false},
		{"*.index.init", "other-app.index.init", true},
		{"nlds-api.*.complete", "nlds-api.transfer-put.complete", true},
		// "*" is exactly one segment, never two.
		{"nlds-api.*", "nlds-api.index.init", false},
		{"#", "nlds-api.index.init", true},
		{"#", "a.b.c.d", true},
		{"nlds-api.#", "nlds-api.index.init", true},
		{"nlds-api.#", "other-app.index.init", false},
		// "#" may swallow zero segments.
		{"nlds-api.index.#", "nlds-api.index", true},
		{"#.failed", "nlds-api.transfer-put.failed", true},
		{"#.failed", "nlds-api.transfer-put.complete", false},
		{"nlds-api.#.init", "nlds-api.index.init", true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, topicMatch(tc.pattern, tc.key),
			"pattern %q key %q", tc.pattern, tc.key)
	}
}

func TestSplitKey(t *testing.T) {
	k, err := SplitKey("nlds-api.transfer-put.complete")
	require.NoError(t, err)
	assert.Equal(t, "nlds-api", k.Application)
	assert.Equal(t, "transfer-put", k.Worker)
	assert.Equal(t, "complete", k.State)
	assert.Equal(t, "nlds-api.transfer-put.complete", k.String())

	for _, bad := range []string{"", "index", "nlds-api.index", "a.b.c.d", "a..c", ".b.c"} {
		_, err := SplitKey(bad)
		assert.Error(t, err, "key %q", bad)
	}
}

func TestKeyJoinsSegments(t *testing.T) {
	assert.Equal(t, "nlds-api.index.init", Key(Root, WorkerIndex, StateInit))
}
