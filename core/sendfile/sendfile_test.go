package sendfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/router"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func bodyOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, _, err := body.Collect(context.Background(), resp.Body, 0)
	require.NoError(t, err)
	return string(data)
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"index.html": "text/html; charset=utf-8",
		"app.JS":     "application/javascript; charset=utf-8",
		"photo.png":  "image/png",
		"blob":       "application/octet-stream",
	}
	for name, want := range tests {
		assert.Equal(t, want, ContentType(name), name)
	}
}

// TestFile 测试完整文件响应
func TestFile(t *testing.T) {
	path := writeFile(t, "hello.txt", "hello, file")

	resp := File(path).Respond()
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "11", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "hello, file", bodyOf(t, resp))

	resp = Download(path).Respond()
	assert.Equal(t, `attachment; filename="hello.txt"`, resp.Header.Get("Content-Disposition"))
	bodyOf(t, resp)
}

func TestFileMissing(t *testing.T) {
	assert.Equal(t, 404, File(filepath.Join(t.TempDir(), "nope")).Respond().Status)
	assert.Equal(t, 404, File(t.TempDir()).Respond().Status)
}

func TestFileRange(t *testing.T) {
	path := writeFile(t, "digits.bin", "0123456789")

	tests := []struct {
		header string
		status int
		body   string
		crange string
	}{
		{"bytes=2-5", 206, "2345", "bytes 2-5/10"},
		{"bytes=7-", 206, "789", "bytes 7-9/10"},
		{"bytes=-3", 206, "789", "bytes 7-9/10"},
		{"bytes=8-100", 206, "89", "bytes 8-9/10"},
		{"bytes=10-12", 416, "Range not satisfiable", "bytes */10"},
		{"bytes=1-2,4-5", 200, "0123456789", ""},
		{"pages=1-2", 200, "0123456789", ""},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			resp := FileRange(path, tt.header).Respond()
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.body, bodyOf(t, resp))
			assert.Equal(t, tt.crange, resp.Header.Get("Content-Range"))
		})
	}
}

func TestParseRange(t *testing.T) {
	_, _, err := ParseRange("bytes=5-2", 10)
	assert.ErrorIs(t, err, ErrBadRange)
	_, _, err = ParseRange("bytes=-0", 10)
	assert.ErrorIs(t, err, ErrUnsatisfiable)
	_, _, err = ParseRange("bytes=0-", 0)
	assert.ErrorIs(t, err, ErrUnsatisfiable)

	start, end, err := ParseRange("bytes=-50", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(9), end)
}

func TestDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "css", "site.css"), []byte("body{}"), 0o644))

	r := router.New()
	r.GET("/assets/{dir}/{file}", handler.Func(func(req *http.Request) *http.Response {
		return Serve(req, filepath.Join(root, req.Param("dir"), req.Param("file")))
	}))

	resp := r.Serve(http.NewRequest("GET", "/assets/css/site.css", nil))
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "text/css; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "body{}", bodyOf(t, resp))

	req := http.NewRequest("GET", "/assets/css/site.css", nil)
	req.Header.Set("Range", "bytes=0-3")
	resp = r.Serve(req)
	assert.Equal(t, 206, resp.Status)
	assert.Equal(t, "body", bodyOf(t, resp))
}

func TestDirStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	h := Dir(root, "path")

	serve := func(p string) *http.Response {
		req := http.NewRequest("GET", "/files/x", nil)
		http.SetExt(req, http.PathParams{"path": p})
		return h.Serve(req)
	}

	resp := serve("a.txt")
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "a", bodyOf(t, resp))
	assert.Equal(t, 404, serve("../../etc/passwd").Status)
	assert.Equal(t, 404, serve("").Status)
}
