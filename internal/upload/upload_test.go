package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"netrax/internal/filestore"
	"netrax/internal/logging"

	"github.com/stretchr/testify/require"
)

type progressLog struct {
	values []int
}

func (p *progressLog) Progress(percent int) {
	p.values = append(p.values, percent)
}

func requireMonotonic(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		require.GreaterOrEqual(t, values[i], values[i-1], "progress decreased: %v", values)
	}
	for _, v := range values {
		require.True(t, v >= 0 && v <= 100, "progress out of range: %v", values)
	}
}

func newLocalUploader(t *testing.T) (*Uploader, string) {
	t.Helper()
	root := t.TempDir()
	store, err := filestore.NewLocalFileStore(root, "http://localhost:8080")
	require.NoError(t, err)
	return New(store, logging.Nop()), root
}

func TestUpload_Image(t *testing.T) {
	u, root := newLocalUploader(t)
	payload := bytes.Repeat([]byte{0xAB}, 2<<20)
	progress := &progressLog{}

	res, err := u.Upload(context.Background(), "alice--bob", File{
		Name:     "recon/map.png",
		Size:     int64(len(payload)),
		MimeType: "image/png",
		Body:     bytes.NewReader(payload),
	}, progress)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(res.Path, "chat/alice--bob/"), res.Path)
	require.True(t, strings.HasSuffix(res.Path, "-map.png"), res.Path)
	require.Equal(t, "http://localhost:8080/api/files/"+res.Path, res.URL)

	stored, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(res.Path)))
	require.NoError(t, err)
	require.Equal(t, len(payload), len(stored))

	require.NotEmpty(t, progress.values)
	requireMonotonic(t, progress.values)
	require.Equal(t, 100, progress.values[len(progress.values)-1])
	require.Equal(t, 1, countOf(progress.values, 100), "100 must be reported once")
}

func countOf(values []int, v int) int {
	n := 0
	for _, x := range values {
		if x == v {
			n++
		}
	}
	return n
}

func TestUpload_UnknownSize(t *testing.T) {
	u, _ := newLocalUploader(t)
	progress := &progressLog{}

	_, err := u.Upload(context.Background(), "alice--bob", File{
		Name: "notes.txt",
		Body: strings.NewReader("notes"),
	}, progress)
	require.NoError(t, err)
	require.Equal(t, []int{0, 100}, progress.values)
}

func TestUpload_UniquePaths(t *testing.T) {
	u, _ := newLocalUploader(t)
	first, err := u.Upload(context.Background(), "alice--bob", File{Name: "a.txt", Body: strings.NewReader("1")}, nil)
	require.NoError(t, err)
	second, err := u.Upload(context.Background(), "alice--bob", File{Name: "a.txt", Body: strings.NewReader("2")}, nil)
	require.NoError(t, err)
	require.NotEqual(t, first.Path, second.Path)
}

func TestUpload_EmptyName(t *testing.T) {
	u, _ := newLocalUploader(t)
	_, err := u.Upload(context.Background(), "alice--bob", File{Name: "", Body: strings.NewReader("1")}, nil)
	require.ErrorIs(t, err, ErrEmptyName)
}

type failingStore struct {
	deleted []string
}

func (f *failingStore) Save(ctx context.Context, path string, r io.Reader, mimeType string) error {
	_, _ = io.CopyN(io.Discard, r, 10)
	return errors.New("quota exceeded")
}

func (f *failingStore) Delete(ctx context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *failingStore) URL(ctx context.Context, path string) (string, error) {
	return "", errors.New("unreachable")
}

func TestUpload_StoreFailure(t *testing.T) {
	store := &failingStore{}
	u := New(store, logging.Nop())
	progress := &progressLog{}

	_, err := u.Upload(context.Background(), "alice--bob", File{
		Name: "big.bin",
		Size: 100,
		Body: bytes.NewReader(make([]byte, 100)),
	}, progress)
	require.Error(t, err)
	require.Contains(t, err.Error(), "quota exceeded")
	require.Len(t, store.deleted, 1)
	requireMonotonic(t, progress.values)
	require.NotContains(t, progress.values, 100)
}

func TestUpload_Cancelled(t *testing.T) {
	u, root := newLocalUploader(t)
	ctx, cancel := context.WithCancel(context.Background())
	progress := &progressLog{}

	body := &cancelAfterFirstRead{r: bytes.NewReader(make([]byte, 64<<10)), cancel: cancel}
	_, err := u.Upload(ctx, "alice--bob", File{Name: "x.bin", Size: 64 << 10, Body: body}, progress)
	require.ErrorIs(t, err, context.Canceled)
	require.NotContains(t, progress.values, 100)

	entries, err := os.ReadDir(filepath.Join(root, "chat", "alice--bob"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

type cancelAfterFirstRead struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c *cancelAfterFirstRead) Read(b []byte) (int, error) {
	n, err := c.r.Read(b[:min(len(b), 1024)])
	c.cancel()
	return n, err
}

func TestObjectPath(t *testing.T) {
	require.Equal(t, "chat/alice--bob/u1-map.png", ObjectPath("alice--bob", "u1", "map.png"))
}
