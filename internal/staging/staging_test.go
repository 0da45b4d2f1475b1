package staging

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staging-engine/internal/domain"
	"staging-engine/internal/transport"
)

func newWorkspace(fs afero.Fs) *Workspace {
	reg := transport.NewRegistry()
	reg.Register(transport.LocalScheme, transport.NewLocalBackend(fs))
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Workspace{
		TransferID: "tx-1",
		WorkDir:    "/work/tx-1",
		FS:         fs,
		Resolver:   reg,
		Logger:     logrus.NewEntry(logger),
	}
}

func seedContainer(t *testing.T, fs afero.Fs) *domain.Container {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("alpha"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/dir/b.txt", []byte("bravo"), 0o644))

	c := domain.NewContainer("tx-1", domain.KindIngest)
	c.SetDestination("file:///dest")
	require.NoError(t, c.AddDataFile("file:///src/a.txt", "a.txt"))
	require.NoError(t, c.AddDataFile("file:///src/dir/b.txt", "dir/b.txt"))
	return c
}

// copyAll mimics the engine moving every open pair to the destination.
func copyAll(t *testing.T, ws *Workspace, c *domain.Container) {
	t.Helper()
	ctx := context.Background()
	pairs, err := c.ResolveOpenTransfers(func(location string) (bool, error) {
		h, err := ws.Resolver.Resolve(location)
		if err != nil {
			return false, err
		}
		return true, h.Mkdir(ctx)
	})
	require.NoError(t, err)
	for _, p := range pairs {
		src, err := ws.Resolver.Resolve(p.Source)
		require.NoError(t, err)
		dst, err := ws.Resolver.Resolve(p.Target)
		require.NoError(t, err)
		_, err = transport.Copy(ctx, src, dst, 0)
		require.NoError(t, err)
		require.NoError(t, c.MarkFileTransferred(p.Source, p.Target))
	}
}

func TestHashProcessorValidate(t *testing.T) {
	p := NewHashProcessor("h1")
	assert.ErrorIs(t, p.Validate(Properties{}), ErrInvalidProperty)
	assert.ErrorIs(t, p.Validate(Properties{"hash": "CRC32"}), ErrInvalidProperty)
	assert.NoError(t, p.Validate(Properties{"hash": "SHA256"}))

	require.NoError(t, p.Configure(Properties{"hash": "nope"}))
	assert.Equal(t, HashMD5, p.HashType())
	require.NoError(t, p.Configure(Properties{"hash": "blake2b"}))
	assert.Equal(t, HashBLAKE2B, p.HashType())
}

func TestHashProcessorRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	ws := newWorkspace(fs)
	c := seedContainer(t, fs)

	var registered []string
	ws.Cleanup = func(p string) { registered = append(registered, p) }

	p := NewHashProcessor("hash-1")
	require.NoError(t, p.Configure(Properties{"hash": "SHA256"}))
	require.NoError(t, p.PerformPreTransferProcessing(ctx, ws, c))
	require.NoError(t, p.FinalizePreTransferProcessing(ctx, ws, c))

	content, err := afero.ReadFile(fs, "/work/tx-1/hash-1.proc")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "#Digest Algorithm: SHA256", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "a.txt\t"))
	assert.True(t, strings.HasPrefix(lines[2], "dir/b.txt\t"))

	assert.Equal(t, []string{"file:///work/tx-1/hash-1.proc"}, c.GeneratedFiles())
	assert.Equal(t, []string{"/work/tx-1/hash-1.proc"}, registered)

	c.Close()
	copyAll(t, ws, c)

	post := NewHashProcessor("hash-1")
	require.NoError(t, post.Configure(Properties{"hash": "SHA256"}))
	require.NoError(t, RunPostTransfer(ctx, ws, c, []Processor{post}))
}

func TestHashProcessorDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	ws := newWorkspace(fs)
	c := seedContainer(t, fs)

	p := NewHashProcessor("hash-1")
	require.NoError(t, p.PerformPreTransferProcessing(ctx, ws, c))
	require.NoError(t, p.FinalizePreTransferProcessing(ctx, ws, c))
	c.Close()
	copyAll(t, ws, c)

	require.NoError(t, afero.WriteFile(fs, "/dest/data/a.txt", []byte("tampered"), 0o644))

	err := p.PerformPostTransferProcessing(ctx, ws, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch for a.txt")
}

func TestHashProcessorMissingSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	ws := newWorkspace(fs)
	c := domain.NewContainer("tx-1", domain.KindIngest)
	require.NoError(t, c.AddDataFile("file:///src/missing.txt", "missing.txt"))

	err := NewHashProcessor("h").PerformPreTransferProcessing(context.Background(), ws, c)
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func TestArchiveProcessor(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	ws := newWorkspace(fs)
	c := seedContainer(t, fs)
	c.Close()
	copyAll(t, ws, c)

	p := NewArchiveProcessor("zip-1")
	require.NoError(t, p.Validate(Properties{"format": "zip"}))
	require.NoError(t, p.Configure(Properties{}))
	require.NoError(t, RunPostTransfer(ctx, ws, c, []Processor{p}))

	entries, err := afero.ReadDir(fs, "/dest/data")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, p.ArchiveName("tx-1"), entries[0].Name())

	raw, err := afero.ReadFile(fs, "/dest/data/"+entries[0].Name())
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"a.txt", "dir/b.txt"}, names)
}

func TestArchiveProcessorRejectsRemoteDestination(t *testing.T) {
	fs := afero.NewMemMapFs()
	ws := newWorkspace(fs)
	c := domain.NewContainer("tx-1", domain.KindDownload)
	c.SetDestination("s3://bucket/prefix")

	err := NewArchiveProcessor("zip").PerformPostTransferProcessing(context.Background(), ws, c)
	assert.ErrorIs(t, err, transport.ErrUnsupportedScheme)
}

func TestArchiveProcessorValidate(t *testing.T) {
	p := NewArchiveProcessor("a")
	assert.NoError(t, p.Validate(Properties{}))
	assert.ErrorIs(t, p.Validate(Properties{"format": "rar"}), ErrInvalidProperty)
	require.NoError(t, p.Configure(Properties{"format": "TAR.GZ"}))
	assert.True(t, strings.HasSuffix(p.ArchiveName("x"), ".tar.gz"))
}

func TestRegistryBuild(t *testing.T) {
	reg := DefaultRegistry()

	p, err := reg.Build(domain.ProcessorSpec{Name: "hash", UniqueIdentifier: "h1", Properties: map[string]string{"hash": "SHA512"}})
	require.NoError(t, err)
	assert.Equal(t, "h1", p.UniqueIdentifier())
	assert.Equal(t, HashSHA512, p.(*HashProcessor).HashType())

	_, err = reg.Build(domain.ProcessorSpec{Name: "hash"})
	assert.ErrorIs(t, err, ErrInvalidProperty)

	_, err = reg.Build(domain.ProcessorSpec{Name: "unknown"})
	assert.Error(t, err)

	_, err = reg.BuildAll([]domain.ProcessorSpec{
		{Name: "archive", UniqueIdentifier: "x"},
		{Name: "archive", UniqueIdentifier: "x"},
	})
	assert.Error(t, err)

	desc := reg.Describe()
	require.Len(t, desc, 2)
	assert.Equal(t, "archive", desc[0].Name)
	assert.Contains(t, desc[1].Properties, "hash")
}
