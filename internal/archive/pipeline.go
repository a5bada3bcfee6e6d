// Package archive streams a client's photos into a single zip download.
package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"photodrop/internal/files"
	"photodrop/internal/logging"
	"photodrop/internal/store"
)

// DefaultFetchTimeout bounds the fetch of a single photo.
const DefaultFetchTimeout = 30 * time.Second

// compressionLevel trades speed for size on already-compressed images.
const compressionLevel = 5

var (
	ErrNotPaid   = errors.New("payment required")
	ErrNoPhotos  = errors.New("no photos found")
	ErrCancelled = errors.New("download cancelled")
)

// State is a step of the archive run.
type State int

const (
	StateAuthorizing State = iota
	StateFetching
	StateAppending
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAuthorizing:
		return "authorizing"
	case StateFetching:
		return "fetching"
	case StateAppending:
		return "appending"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Output receives the archive. Begin is called once, before the first byte
// is written, and is where an HTTP handler commits its headers.
type Output interface {
	io.Writer
	Begin() error
}

// Result summarizes a run.
type Result struct {
	State     State
	Entries   []string // entry names in archive order
	Skipped   []string // photo IDs with no entry
	Truncated []string // photo IDs whose entry ended early
	Bytes     int64    // uncompressed bytes appended
}

// Streamer builds zip archives of a client's paid photos.
type Streamer struct {
	store        store.Store
	fetcher      files.Fetcher
	fetchTimeout time.Duration
}

// NewStreamer creates a streamer. A zero timeout uses DefaultFetchTimeout.
func NewStreamer(st store.Store, fetcher files.Fetcher, fetchTimeout time.Duration) *Streamer {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Streamer{store: st, fetcher: fetcher, fetchTimeout: fetchTimeout}
}

// Filename is the attachment name for a client's archive.
func Filename(clientID string) string {
	return "photos-" + sanitizeName(clientID) + ".zip"
}

// run holds the mutable state of one archive stream.
type run struct {
	s        *Streamer
	ctx      context.Context
	clientID string
	out      Output

	state  State
	photos []*store.Photo
	i      int
	body   *bufio.Reader
	closer io.Closer
	zw     *zip.Writer
	err    error
	result Result
}

// Stream authorizes clientID and writes the archive to out. If an error is
// returned and out.Begin was never called, nothing was written; after Begin
// an error can only be logged.
func (s *Streamer) Stream(ctx context.Context, clientID string, out Output) (*Result, error) {
	r := &run{s: s, ctx: ctx, clientID: clientID, out: out, state: StateAuthorizing}
	for r.state != StateDone && r.state != StateFailed {
		r.state = r.step()
	}
	r.result.State = r.state

	if r.state == StateFailed {
		if r.closer != nil {
			r.closer.Close()
		}
		if len(r.result.Entries) > 0 || r.zw != nil {
			logging.Archive.Printf("archive for client %s failed after %d entries: %v", clientID, len(r.result.Entries), r.err)
		}
		return &r.result, r.err
	}

	logging.Archive.Printf("archive for client %s done: %d entries, %d skipped, %d truncated",
		clientID, len(r.result.Entries), len(r.result.Skipped), len(r.result.Truncated))
	return &r.result, nil
}

// step performs the work of the current state and returns the next one.
func (r *run) step() State {
	switch r.state {
	case StateAuthorizing:
		return r.authorize()
	case StateFetching:
		return r.fetch()
	case StateAppending:
		return r.appendEntry()
	case StateFinalizing:
		return r.finalize()
	}
	return r.state
}

func (r *run) fail(err error) State {
	r.err = err
	return StateFailed
}

func (r *run) authorize() State {
	sess, err := r.s.store.GetSession(r.ctx, r.clientID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !sess.Paid) {
		return r.fail(ErrNotPaid)
	}
	if err != nil {
		return r.fail(fmt.Errorf("get session: %w", err))
	}

	photos, err := r.s.store.ListPhotos(r.ctx, r.clientID)
	if err != nil {
		return r.fail(fmt.Errorf("list photos: %w", err))
	}
	if len(photos) == 0 {
		return r.fail(ErrNoPhotos)
	}
	r.photos = photos

	if err := r.out.Begin(); err != nil {
		return r.fail(fmt.Errorf("begin output: %w", err))
	}
	r.zw = zip.NewWriter(outputWriter{r.out})
	r.zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, compressionLevel)
	})
	return StateFetching
}

// fetch opens photo i and reads its first byte. Any failure up to that point
// skips the photo without touching the archive.
func (r *run) fetch() State {
	if r.i >= len(r.photos) {
		return StateFinalizing
	}
	if err := r.ctx.Err(); err != nil {
		return r.fail(fmt.Errorf("%w: %v", ErrCancelled, err))
	}

	p := r.photos[r.i]
	ctx, cancel := context.WithTimeout(r.ctx, r.s.fetchTimeout)
	body, err := r.s.fetcher.Fetch(ctx, p.URL)
	if err != nil {
		cancel()
		return r.skip(p, err)
	}

	br := bufio.NewReader(body)
	if _, err := br.Peek(1); err != nil {
		body.Close()
		cancel()
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		return r.skip(p, err)
	}

	r.body = br
	r.closer = closerFunc(func() error {
		defer cancel()
		return body.Close()
	})
	return StateAppending
}

func (r *run) skip(p *store.Photo, err error) State {
	if r.ctx.Err() != nil {
		return r.fail(fmt.Errorf("%w: %v", ErrCancelled, r.ctx.Err()))
	}
	logging.Archive.Printf("skipping photo %s (%s) for client %s: %v", p.ID, p.Name, r.clientID, err)
	r.result.Skipped = append(r.result.Skipped, p.ID)
	r.i++
	return StateFetching
}

func (r *run) appendEntry() State {
	p := r.photos[r.i]
	defer func() {
		r.closer.Close()
		r.body, r.closer = nil, nil
	}()

	name := EntryName(r.i, p.Name)
	w, err := r.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: p.UploadedAt,
	})
	if err != nil {
		return r.fail(fmt.Errorf("create entry %s: %w", name, err))
	}
	r.result.Entries = append(r.result.Entries, name)

	n, err := io.Copy(w, r.body)
	r.result.Bytes += n
	if err != nil {
		var we *writeError
		if errors.As(err, &we) || r.ctx.Err() != nil {
			return r.fail(fmt.Errorf("%w: write %s: %w", ErrCancelled, name, err))
		}
		logging.Archive.Printf("photo %s truncated after %d bytes for client %s: %v", p.ID, n, r.clientID, err)
		r.result.Truncated = append(r.result.Truncated, p.ID)
	}

	r.i++
	return StateFetching
}

func (r *run) finalize() State {
	if err := r.zw.Close(); err != nil {
		return r.fail(fmt.Errorf("close archive: %w", err))
	}
	return StateDone
}

// EntryName numbers an entry by its 0-based position so duplicate photo names
// stay distinct.
func EntryName(i int, name string) string {
	return fmt.Sprintf("%03d-%s", i+1, sanitizeName(name))
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "photo"
	}
	return name
}

// writeError marks a failure writing to the output, as opposed to reading a
// photo.
type writeError struct {
	err error
}

func (e *writeError) Error() string { return e.err.Error() }

func (e *writeError) Unwrap() error { return e.err }

type outputWriter struct {
	w io.Writer
}

func (o outputWriter) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	if err != nil {
		return n, &writeError{err: err}
	}
	return n, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
