// Package upload transfers attachment payloads into the file store.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"netrax/internal/filestore"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Progress receives transfer progress in percent.
type Progress interface {
	Progress(percent int)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(percent int)

func (f ProgressFunc) Progress(percent int) { f(percent) }

type File struct {
	Name     string
	Size     int64
	MimeType string
	Body     io.Reader
}

type Result struct {
	URL  string
	Path string
}

var ErrEmptyName = errors.New("file name is required")

type Uploader struct {
	store  filestore.FileStore
	logger *zap.SugaredLogger
}

func New(store filestore.FileStore, logger *zap.SugaredLogger) *Uploader {
	return &Uploader{store: store, logger: logger}
}

// ObjectPath returns chat/{conversationID}/{uniqueID}-{fileName}.
func ObjectPath(conversationID, uniqueID, fileName string) string {
	return fmt.Sprintf("chat/%s/%s-%s", conversationID, uniqueID, fileName)
}

// Upload stores file and returns its reference. progress sees non-decreasing
// values and always 100 before a successful return. Cancelling ctx aborts the
// transfer and leaves no object behind. Failures are not retried.
func (u *Uploader) Upload(ctx context.Context, conversationID string, file File, progress Progress) (Result, error) {
	name := baseName(file.Name)
	if name == "" {
		return Result{}, ErrEmptyName
	}
	if progress == nil {
		progress = ProgressFunc(func(int) {})
	}

	objectPath := ObjectPath(conversationID, uuid.NewString(), name)
	reporter := &monotonic{out: progress}
	body := &progressReader{ctx: ctx, r: file.Body, size: file.Size, report: reporter.report}

	reporter.report(0)
	if err := u.store.Save(ctx, objectPath, body, file.MimeType); err != nil {
		u.cleanup(objectPath)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("failed to upload %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		u.cleanup(objectPath)
		return Result{}, err
	}

	ref, err := u.store.URL(ctx, objectPath)
	if err != nil {
		u.cleanup(objectPath)
		return Result{}, fmt.Errorf("failed to resolve reference for %s: %w", name, err)
	}

	reporter.report(100)
	return Result{URL: ref, Path: objectPath}, nil
}

func (u *Uploader) cleanup(objectPath string) {
	// The upload context may already be cancelled.
	if err := u.store.Delete(context.Background(), objectPath); err != nil {
		u.logger.Warnw("failed to remove partial upload", "path", objectPath, "error", err)
	}
}

func baseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// monotonic drops repeated and decreasing values.
type monotonic struct {
	mu   sync.Mutex
	out  Progress
	last int
	sent bool
}

func (m *monotonic) report(percent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	percent = max(0, min(percent, 100))
	if m.sent && percent <= m.last {
		return
	}
	m.last = percent
	m.sent = true
	m.out.Progress(percent)
}

// progressReader reports bytes read as a percentage of size, capped at 99:
// 100 means the store has accepted the object.
type progressReader struct {
	ctx    context.Context
	r      io.Reader
	size   int64
	read   int64
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.size > 0 && n > 0 {
		p.report(min(int(p.read*100/p.size), 99))
	}
	return n, err
}
