package acquire

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareIsIdempotent(t *testing.T) {
	root := t.TempDir()

	first, err := Prepare(root, "Campaign_A")
	require.NoError(t, err)
	assert.DirExists(t, first)

	require.NoError(t, os.WriteFile(filepath.Join(first, "keep.mseed"), []byte("x"), 0o644))

	second, err := Prepare(root, "Campaign_A")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.FileExists(t, filepath.Join(second, "keep.mseed"))
}

func TestPrepareRootErrors(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	tests := []struct {
		name    string
		root    string
		project string
	}{
		{name: "empty root", root: "", project: "P"},
		{name: "missing root", root: filepath.Join(root, "nope"), project: "P"},
		{name: "root is file", root: file, project: "P"},
		{name: "escape", root: root, project: "../outside"},
		{name: "project is root", root: root, project: "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Prepare(tt.root, tt.project)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDirectory), "%v", err)
		})
	}
}

func TestPrepareProjectIsFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "P"), nil, 0o644))

	_, err := Prepare(root, "P")
	assert.True(t, errors.Is(err, ErrDirectory))
}

func TestPrepareUnwritableRoot(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}
	root := t.TempDir()
	require.NoError(t, os.Chmod(root, 0o555))
	t.Cleanup(func() { os.Chmod(root, 0o755) })

	_, err := Prepare(root, "P")
	assert.True(t, errors.Is(err, ErrDirectory))
	assert.NoDirExists(t, filepath.Join(root, "P"))
}

func TestPrepareSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges")
	}
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "P")))

	_, err := Prepare(root, "P")
	assert.True(t, errors.Is(err, ErrDirectory))
}

func TestPrepareWithinRootSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges")
	}
	base := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(base, "link")))

	_, err := PrepareWithin(base, filepath.Join(base, "link"), "P")
	assert.True(t, errors.Is(err, ErrDirectory))
	assert.NoDirExists(t, filepath.Join(outside, "P"))

	require.NoError(t, os.Mkdir(filepath.Join(base, "site"), 0o755))
	dir, err := PrepareWithin(base, filepath.Join(base, "site"), "P")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	dir, err = PrepareWithin(base, base, "Q")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	_, err = PrepareWithin("", base, "P")
	assert.True(t, errors.Is(err, ErrDirectory))
}

func TestPrepareWithinSymlinkedBase(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges")
	}
	target := t.TempDir()
	base := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Symlink(target, base))

	dir, err := PrepareWithin(base, base, "P")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(target, "P"))
	assert.NotEmpty(t, dir)
}

func TestValidateWithin(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "data")
	assert.NoError(t, ValidateWithin(filepath.Join(base, "P"), base))
	assert.NoError(t, ValidateWithin(filepath.Join(base, "..data", "x"), filepath.Join(base, "..data")))
	assert.Error(t, ValidateWithin(base, base))
	assert.Error(t, ValidateWithin(filepath.Join(base, ".."), base))
	assert.Error(t, ValidateWithin(filepath.Join(string(filepath.Separator), "other"), base))
}

type brokenBundle struct{}

func (brokenBundle) TraceCount() int { return 1 }

func (brokenBundle) WriteTo(w io.Writer) (int64, error) {
	n, _ := w.Write([]byte("partial"))
	return int64(n), errors.New("stream reset")
}

func TestFileSinkLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mseed")

	err := NewFileSink().Write(context.Background(), path, brokenBundle{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileSinkReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mseed")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	b := bundleFor(makeJobs("P", 1)[0].Interval)
	require.NoError(t, NewFileSink().Write(context.Background(), path, b))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(6*512), info.Size())
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	}
}

func TestFileSinkCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "out.mseed")

	err := NewFileSink().Write(ctx, path, brokenBundle{})
	assert.True(t, errors.Is(err, ErrStorage))
	assert.NoFileExists(t, path)
}
