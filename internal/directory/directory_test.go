package directory

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func report(path, group string) ShareFile {
	return ShareFile{Path: path, Group: group, Owner: "alice", Location: filepath.Join("shared_files", group, path)}
}

func TestAddGetRemove(t *testing.T) {
	d := New(nil)

	assert.False(t, d.CheckFile("docs/report.txt"))
	require.NoError(t, d.AddFile(report("docs/report.txt", "ENG")))
	assert.True(t, d.CheckFile("docs/report.txt"))

	sf, ok := d.GetFile("docs/report.txt")
	require.True(t, ok)
	assert.Equal(t, "ENG", sf.Group)

	err := d.AddFile(report("docs/report.txt", "SALES"))
	assert.ErrorIs(t, err, ErrExists)

	removed, ok := d.RemoveFile("docs/report.txt")
	require.True(t, ok)
	assert.Equal(t, sf, removed)
	assert.False(t, d.CheckFile("docs/report.txt"))

	_, ok = d.RemoveFile("docs/report.txt")
	assert.False(t, ok)
}

func TestListFilesSorted(t *testing.T) {
	d := New(nil)
	for _, p := range []string{"c", "a", "b"} {
		require.NoError(t, d.AddFile(report(p, "ENG")))
	}

	var paths []string
	for _, sf := range d.ListFiles() {
		paths = append(paths, sf.Path)
	}
	assert.Equal(t, []string{"a", "b", "c"}, paths)
	assert.Equal(t, 3, d.Len())
}

func TestReservationLifecycle(t *testing.T) {
	d := New(nil)

	require.NoError(t, d.Reserve("x"))
	assert.True(t, d.CheckFile("x"))
	_, ok := d.GetFile("x")
	assert.False(t, ok, "reserved paths are not visible")
	assert.Empty(t, d.ListFiles())

	assert.ErrorIs(t, d.Reserve("x"), ErrExists)
	assert.ErrorIs(t, d.AddFile(report("x", "ENG")), ErrExists)

	require.NoError(t, d.Commit(report("x", "ENG")))
	_, ok = d.GetFile("x")
	assert.True(t, ok)
	assert.ErrorIs(t, d.Reserve("x"), ErrExists)

	require.NoError(t, d.Reserve("y"))
	d.Release("y")
	assert.False(t, d.CheckFile("y"))
	assert.ErrorIs(t, d.Commit(report("y", "ENG")), ErrNotFound)
}

func TestConcurrentReserveHasOneWinner(t *testing.T) {
	d := New(nil)
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Reserve("same/path") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func testStoreRoundTrip(t *testing.T, store Store) {
	ctx := context.Background()
	d := New(store)
	require.NoError(t, d.Load(ctx))
	assert.Zero(t, d.Len())

	require.NoError(t, d.AddFile(report("a.txt", "ENG")))
	require.NoError(t, d.AddFile(report("b.txt", "SALES")))
	require.NoError(t, d.Save(ctx))

	// a second save replaces, not appends
	d.RemoveFile("b.txt")
	require.NoError(t, d.Save(ctx))

	reloaded := New(store)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, d.ListFiles(), reloaded.ListFiles())
	require.NoError(t, reloaded.Close())
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenStore("sqlite", filepath.Join(t.TempDir(), "db", "filelist.db"))
	require.NoError(t, err)
	testStoreRoundTrip(t, store)
}

func TestJSONStore(t *testing.T) {
	store, err := OpenStore("json", filepath.Join(t.TempDir(), "filelist.json"))
	require.NoError(t, err)
	testStoreRoundTrip(t, store)
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := OpenStore("etcd", "x")
	assert.Error(t, err)
}

func TestReconcile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ENG"), 0755))

	kept := filepath.Join(root, "ENG", uuid.NewString())
	orphanName := uuid.NewString()
	orphan := filepath.Join(root, "ENG", orphanName)
	require.NoError(t, os.WriteFile(kept, []byte("data"), 0644))
	require.NoError(t, os.WriteFile(orphan, []byte("committed but never saved"), 0644))

	d := New(nil)
	require.NoError(t, d.AddFile(ShareFile{Path: "kept.txt", Group: "ENG", Owner: "alice", Location: kept}))
	missing := ShareFile{Path: "gone.txt", Group: "ENG", Owner: "alice", Location: filepath.Join(root, "ENG", uuid.NewString())}
	require.NoError(t, d.AddFile(missing))

	rep, err := Reconcile(d, root)
	require.NoError(t, err)
	moved := filepath.Join(root, QuarantineDir, "ENG", orphanName)
	assert.Equal(t, []Orphan{{Path: orphan, Moved: moved}}, rep.Orphans)
	assert.Equal(t, []ShareFile{missing}, rep.Missing)

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(moved)
	require.NoError(t, err)
	assert.Equal(t, "committed but never saved", string(data))
	_, err = os.Stat(kept)
	assert.NoError(t, err)
	assert.Equal(t, 2, d.Len())

	// a second pass leaves the quarantine alone
	rep, err = Reconcile(d, root)
	require.NoError(t, err)
	assert.Empty(t, rep.Orphans)
	_, err = os.Stat(moved)
	assert.NoError(t, err)
}

func TestReconcileOnlyTouchesUploads(t *testing.T) {
	root := t.TempDir()
	group := filepath.Join(root, "ENG")
	require.NoError(t, os.MkdirAll(filepath.Join(group, "nested"), 0755))

	survivors := []string{
		filepath.Join(root, "filelist.db"),
		filepath.Join(root, "fileserver_key.pem"),
		filepath.Join(group, "notes.txt"),
		filepath.Join(group, "nested", uuid.NewString()),
	}
	for _, p := range survivors {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0600))
	}

	rep, err := Reconcile(New(nil), root)
	require.NoError(t, err)
	assert.Empty(t, rep.Orphans)
	for _, p := range survivors {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestReconcileMissingRoot(t *testing.T) {
	rep, err := Reconcile(New(nil), filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, rep.Orphans)
}
