package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/classify-cli/internal/fetcher"
)

func TestParseItems_HeaderAliasesAndFolding(t *testing.T) {
	data := []byte("\ufeffID,TYPE,Content\n7,Desc,x\n")
	res, err := ParseItems(context.Background(), data, fetcher.FormatCSV, ParseOptions{BatchID: "b", LoadedAt: time.Now()})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "7", res.Items[0].Key.SourceID)
	assert.Equal(t, "Desc", res.Items[0].Key.ItemType)
	assert.Equal(t, "b", res.Items[0].BatchID)
}

func TestParseItems_NormalizesText(t *testing.T) {
	// "é" as e + combining acute accent becomes the single precomposed rune.
	data := []byte("source_id,item_type,text\n1,desc,Cafe\u0301\n")
	res, err := ParseItems(context.Background(), data, fetcher.FormatCSV, ParseOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Caf\u00e9", res.Items[0].Text)
}

func TestParseItems_SkipsBlankRowsAndKeepsOrdinals(t *testing.T) {
	data := []byte("source_id,item_type,text\n1,desc,a\n,,\n2,desc,b\n")
	res, err := ParseItems(context.Background(), data, fetcher.FormatCSV, ParseOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, 0, res.Items[0].Ordinal)
	assert.Equal(t, 1, res.Items[1].Ordinal)
}

func TestParseItems_TSV(t *testing.T) {
	data := []byte("source_id\titem_type\ttext\n1\tdesc\thello, world\n")
	res, err := ParseItems(context.Background(), data, fetcher.FormatTSV, ParseOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "hello, world", res.Items[0].Text)
}

func TestParseItems_Malformed(t *testing.T) {
	data := []byte("source_id,item_type,text\n1,desc,\"unterminated\n")
	_, err := ParseItems(context.Background(), data, fetcher.FormatCSV, ParseOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestChecksumBytes_Deterministic(t *testing.T) {
	a := ChecksumBytes([]byte("abc"))
	assert.Equal(t, "sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", a)
	assert.NotEqual(t, a, ChecksumBytes([]byte("abd")))
}
