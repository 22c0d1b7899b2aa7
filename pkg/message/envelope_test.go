package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalRequiresTransactionID(t *testing.T) {
	_, err := Unmarshal([]byte(`{"details": {"user": "alice"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction_id")

	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)

	m, err := Unmarshal([]byte(`{"details": {"transaction_id": "tx-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "tx-1", m.Details.TransactionID)
}

func TestMarshalRoundTrip(t *testing.T) {
	st := StateComplete
	in := &Message{}
	in.Details.TransactionID = "tx-1"
	in.Details.SubID = "sub-1"
	in.Details.State = StateTransferPutting
	in.Meta.Label = "exp-1"
	in.Meta.Tags = map[string]string{"project": "cmip"}
	in.Meta.State = &st
	in.Data.FileList = []PathDetails{{OriginalPath: "/data/a.nc", Size: 42}}
	in.Data.RetrievalList = []PathDetails{{OriginalPath: "/data/b.nc"}}
	in.Data.Tarfiles = []string{"nlds_agg_1.tar"}

	body, err := in.Marshal()
	require.NoError(t, err)
	out, err := Unmarshal(body)
	require.NoError(t, err)
	assert.Equal(t, in.Details, out.Details)
	assert.Equal(t, "exp-1", out.Meta.Label)
	require.NotNil(t, out.Meta.State)
	assert.Equal(t, StateComplete, *out.Meta.State)
	require.Len(t, out.Data.FileList, 1)
	assert.Equal(t, int64(42), out.Data.FileList[0].Size)
	assert.Equal(t, []string{"nlds_agg_1.tar"}, out.Data.Tarfiles)
}

func TestCopyDoesNotAlias(t *testing.T) {
	orig := &Message{}
	orig.Details.TransactionID = "tx-1"
	orig.Meta.Tags = map[string]string{"k": "v"}
	orig.Data.FileList = []PathDetails{{OriginalPath: "/a"}}
	orig.Data.RetrievalList = []PathDetails{{OriginalPath: "/b"}}

	cp := orig.Copy()
	cp.Data.FileList[0].OriginalPath = "/changed"
	cp.Data.RetrievalList = append(cp.Data.RetrievalList, PathDetails{OriginalPath: "/c"})
	cp.Meta.Tags["k"] = "changed"

	assert.Equal(t, "/a", orig.Data.FileList[0].OriginalPath)
	assert.Len(t, orig.Data.RetrievalList, 1)
	assert.Equal(t, "v", orig.Meta.Tags["k"])
}
