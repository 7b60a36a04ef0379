package source

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/classify-cli/internal/fetcher"
	"github.com/sells-group/classify-cli/internal/store"
)

func newTestLoader(t *testing.T) (*Loader, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewLoader(st, nil), st
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_CSV(t *testing.T) {
	l, st := newTestLoader(t)
	ctx := context.Background()
	path := writeFile(t, "companies.csv", "Source_ID,Item Type,Text\n1,desc,Plumbing services\n2,desc,Roofing\n1,title,Acme\n")

	res, err := l.Load(ctx, LoadRequest{Path: path})
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Equal(t, "companies", res.Batch.SourceName)
	assert.Equal(t, 3, res.Batch.ItemCount)
	assert.Contains(t, res.Batch.Checksum, "sha256:")

	n, err := st.CountItems(ctx, store.ItemScope{BatchID: res.Batch.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, err := st.PendingItems(ctx, "no-job", store.ItemScope{BatchID: res.Batch.ID}, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "1", items[0].Key.SourceID)
	assert.Equal(t, "Plumbing services", items[0].Text)
	assert.Equal(t, "title", items[2].Key.ItemType)
}

func TestLoad_DuplicateKeysFirstWins(t *testing.T) {
	l, st := newTestLoader(t)
	ctx := context.Background()
	path := writeFile(t, "dupes.csv", "source_id,item_type,text\n1,desc,first\n1,desc,second\n2,desc,other\n")

	res, err := l.Load(ctx, LoadRequest{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batch.ItemCount)
	assert.Equal(t, 1, res.Batch.Duplicates)

	items, err := st.PendingItems(ctx, "no-job", store.ItemScope{BatchID: res.Batch.ID}, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "first", items[0].Text)
}

func TestLoad_SameChecksumIsNoop(t *testing.T) {
	l, _ := newTestLoader(t)
	ctx := context.Background()
	path := writeFile(t, "src.csv", "source_id,item_type,text\n1,desc,a\n")

	first, err := l.Load(ctx, LoadRequest{Path: path, SourceName: "leads"})
	require.NoError(t, err)
	second, err := l.Load(ctx, LoadRequest{Path: path, SourceName: "leads"})
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.Batch.ID, second.Batch.ID)
}

func TestLoad_ChangedChecksumIsIntegrityError(t *testing.T) {
	l, st := newTestLoader(t)
	ctx := context.Background()
	path := writeFile(t, "src.csv", "source_id,item_type,text\n1,desc,a\n")

	first, err := l.Load(ctx, LoadRequest{Path: path, SourceName: "leads"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("source_id,item_type,text\n1,desc,a\n2,desc,b\n"), 0o644))
	_, err = l.Load(ctx, LoadRequest{Path: path, SourceName: "leads"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)

	// Nothing from the second version was written.
	n, err := st.CountItems(ctx, store.ItemScope{BatchID: first.Batch.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLoad_EmptyFile(t *testing.T) {
	l, _ := newTestLoader(t)

	res, err := l.Load(context.Background(), LoadRequest{Path: writeFile(t, "empty.csv", "")})
	require.NoError(t, err)
	assert.Zero(t, res.Batch.ItemCount)

	res, err = l.Load(context.Background(), LoadRequest{Path: writeFile(t, "header.csv", "source_id,item_type,text\n")})
	require.NoError(t, err)
	assert.Zero(t, res.Batch.ItemCount)
}

func TestLoad_UnreadableFile(t *testing.T) {
	l, _ := newTestLoader(t)

	_, err := l.Load(context.Background(), LoadRequest{Path: filepath.Join(t.TempDir(), "missing.csv")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestLoad_MissingColumn(t *testing.T) {
	l, _ := newTestLoader(t)

	_, err := l.Load(context.Background(), LoadRequest{Path: writeFile(t, "bad.csv", "source_id,text\n1,a\n")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "item_type")
}

func TestLoad_DefaultItemType(t *testing.T) {
	l, _ := newTestLoader(t)

	res, err := l.Load(context.Background(), LoadRequest{
		Path:            writeFile(t, "notype.csv", "id,content\n1,a\n2,b\n"),
		DefaultItemType: "desc",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batch.ItemCount)
}

func TestLoad_RowMissingKey(t *testing.T) {
	l, _ := newTestLoader(t)

	_, err := l.Load(context.Background(), LoadRequest{Path: writeFile(t, "nokey.csv", "source_id,item_type,text\n1,desc,a\n,desc,b\n")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "row 3")
}

func TestLoad_XLSX(t *testing.T) {
	l, _ := newTestLoader(t)

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Items")
	require.NoError(t, err)
	for _, r := range [][]string{{"source_id", "item_type", "text"}, {"10", "desc", "Widgets"}, {"11", "desc", "Gadgets"}} {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().Value = v
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	path := filepath.Join(t.TempDir(), "items.xlsx")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	res, err := l.Load(context.Background(), LoadRequest{Path: path, Sheet: "Items"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batch.ItemCount)
}

func TestLoad_RemoteURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("source_id,item_type,text\n1,desc,a\n")) //nolint:errcheck
	}))
	defer srv.Close()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	l := NewLoader(st, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{RequestsPerSecond: 100}))
	res, err := l.Load(context.Background(), LoadRequest{Path: srv.URL + "/exports/leads.csv?token=x"})
	require.NoError(t, err)
	assert.Equal(t, "leads", res.Batch.SourceName)
	assert.Equal(t, 1, res.Batch.ItemCount)
}

func TestVerify(t *testing.T) {
	l, _ := newTestLoader(t)
	ctx := context.Background()
	path := writeFile(t, "src.csv", "source_id,item_type,text\n1,desc,a\n")

	res, err := l.Load(ctx, LoadRequest{Path: path})
	require.NoError(t, err)
	require.NoError(t, Verify(ctx, &res.Batch, "", nil))

	require.NoError(t, os.WriteFile(path, []byte("source_id,item_type,text\n1,desc,changed\n"), 0o644))
	err = Verify(ctx, &res.Batch, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestDefaultSourceName(t *testing.T) {
	assert.Equal(t, "leads", DefaultSourceName("/data/leads.csv"))
	assert.Equal(t, "leads.2024", DefaultSourceName("leads.2024.xlsx"))
	assert.Equal(t, "export", DefaultSourceName("https://host/a/export.csv?sig=1"))
}
