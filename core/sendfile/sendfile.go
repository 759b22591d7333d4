// Package sendfile answers requests with file contents, whole or by byte
// range.
package sendfile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
)

// ContentType returns MIME type based on file extension
func ContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".xml":
		return "application/xml; charset=utf-8"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".ico":
		return "image/x-icon"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// File answers with the whole file at path.
func File(path string) handler.Responder {
	return fileResponder{path: path}
}

// Download is File with a Content-Disposition that makes browsers save the
// file under its base name.
func Download(path string) handler.Responder {
	return fileResponder{path: path, attachment: true}
}

// FileRange answers with the part of the file selected by a Range header
// value. An empty or unparsable header serves the whole file.
func FileRange(path, rangeHeader string) handler.Responder {
	return fileResponder{path: path, rng: rangeHeader, ranged: true}
}

// Serve picks File or FileRange depending on the request's Range header.
func Serve(req *http.Request, path string) *http.Response {
	if rng := req.Header.Get("Range"); rng != "" {
		return FileRange(path, rng).Respond()
	}
	return File(path).Respond()
}

type fileResponder struct {
	path       string
	rng        string
	ranged     bool
	attachment bool
}

func (f fileResponder) Respond() *http.Response {
	file, info, err := open(f.path)
	if err != nil {
		return openError(err)
	}
	total := info.Size()

	h := make(http.Header)
	h.Set(http.HeaderContentType, ContentType(f.path))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Last-Modified", info.ModTime().UTC().Format(nethttp.TimeFormat))
	if f.attachment {
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(f.path)))
	}

	if f.ranged {
		start, end, err := ParseRange(f.rng, total)
		switch {
		case errors.Is(err, ErrUnsatisfiable):
			_ = file.Close()
			resp := http.Text(nethttp.StatusRequestedRangeNotSatisfiable, "Range not satisfiable")
			resp.Header.Set("Content-Range", "bytes */"+strconv.FormatInt(total, 10))
			return resp
		case err == nil:
			n := end - start + 1
			resp := http.NewResponse(nethttp.StatusPartialContent,
				body.SizedReader(sectionCloser{io.NewSectionReader(file, start, n), file}, n))
			copyHeader(resp.Header, h)
			resp.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
			resp.Header.Set(http.HeaderContentLength, strconv.FormatInt(n, 10))
			return resp
		}
		// Malformed ranges are ignored.
	}

	resp := http.NewResponse(nethttp.StatusOK, body.SizedReader(file, total))
	copyHeader(resp.Header, h)
	resp.Header.Set(http.HeaderContentLength, strconv.FormatInt(total, 10))
	return resp
}

func open(path string) (*os.File, fs.FileInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, nil, fs.ErrNotExist
	}
	return file, info, nil
}

func openError(err error) *http.Response {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return http.Error(nethttp.StatusNotFound, "")
	case errors.Is(err, fs.ErrPermission):
		return http.Error(nethttp.StatusForbidden, "")
	default:
		return http.Error(nethttp.StatusInternalServerError, "")
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = vs
	}
}

// sectionCloser reads a section and closes the file behind it.
type sectionCloser struct {
	*io.SectionReader
	f *os.File
}

func (s sectionCloser) Close() error { return s.f.Close() }

var (
	ErrUnsatisfiable = errors.New("sendfile: range not satisfiable")
	ErrBadRange      = errors.New("sendfile: malformed range")
)

// ParseRange resolves a single "bytes=" range against a file of size total
// and returns inclusive offsets. An end past the file is clamped. Multiple
// ranges are reported as ErrBadRange.
func ParseRange(header string, total int64) (start, end int64, err error) {
	set, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(set, ",") {
		return 0, 0, ErrBadRange
	}
	first, last, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok {
		return 0, 0, ErrBadRange
	}

	if first == "" {
		// suffix range: the last n bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, ErrBadRange
		}
		if n == 0 || total == 0 {
			return 0, 0, ErrUnsatisfiable
		}
		if n > total {
			n = total
		}
		return total - n, total - 1, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, ErrBadRange
	}
	end = total - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, ErrBadRange
		}
		if end >= total {
			end = total - 1
		}
	}
	if start >= total {
		return 0, 0, ErrUnsatisfiable
	}
	return start, end, nil
}

// Dir serves files below root, taking the relative path from the named
// route parameter. Paths escaping root are answered with 404.
func Dir(root, param string) handler.Handler {
	return handler.Func(func(req *http.Request) *http.Response {
		rel := filepath.FromSlash(req.Param(param))
		full := filepath.Join(root, filepath.Clean(string(filepath.Separator)+rel))
		if r, err := filepath.Rel(root, full); err != nil || strings.HasPrefix(r, "..") {
			return http.Error(nethttp.StatusNotFound, "")
		}
		return Serve(req, full)
	})
}
