package epubres

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Source provides random access to a bundle's archive bytes.
type Source interface {
	// Locator names the source (file name or URL). Bundle IDs are derived
	// from it.
	Locator() string

	// Open returns a reader over the archive and its total size. ctx bounds
	// any I/O performed by the returned reader, not only the call to Open.
	Open(ctx context.Context) (io.ReaderAt, int64, error)
}

// BlobSource serves an archive that is fully held in memory.
type BlobSource struct {
	Name string
	Data []byte
}

// Locator returns the blob's name.
func (s BlobSource) Locator() string { return s.Name }

// Open returns a reader over the in-memory bytes.
func (s BlobSource) Open(context.Context) (io.ReaderAt, int64, error) {
	return bytes.NewReader(s.Data), int64(len(s.Data)), nil
}

// RemoteSource reads an archive over HTTP using Range requests. The server
// must answer HEAD with a Content-Length and ranged GETs with 206.
type RemoteSource struct {
	URL string

	// Client is used for all requests; http.DefaultClient when nil.
	Client *http.Client
}

// Locator returns the source URL.
func (s RemoteSource) Locator() string { return s.URL }

// Open issues a HEAD request to learn the archive size.
func (s RemoteSource) Open(ctx context.Context) (io.ReaderAt, int64, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("epubres: build HEAD request for %s: %w", s.URL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("epubres: HEAD %s: %w", s.URL, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("epubres: HEAD %s: unexpected status %s", s.URL, resp.Status)
	}
	if resp.ContentLength < 0 {
		return nil, 0, fmt.Errorf("epubres: HEAD %s: missing Content-Length", s.URL)
	}

	return &httpReaderAt{
		ctx:    ctx,
		client: client,
		url:    s.URL,
		size:   resp.ContentLength,
	}, resp.ContentLength, nil
}

// httpReaderAt implements io.ReaderAt with one ranged GET per call.
type httpReaderAt struct {
	ctx    context.Context
	client *http.Client
	url    string
	size   int64
}

func (r *httpReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("epubres: negative offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p)) - 1
	if end >= r.size {
		end = r.size - 1
	}

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes="+strconv.FormatInt(off, 10)+"-"+strconv.FormatInt(end, 10))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("epubres: range GET %s: %w", r.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("epubres: range GET %s: server does not honour ranges (status %s)", r.url, resp.Status)
	}

	want := int(end - off + 1)
	n, err := io.ReadFull(resp.Body, p[:want])
	if err != nil {
		return n, fmt.Errorf("epubres: range GET %s: %w", r.url, err)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
