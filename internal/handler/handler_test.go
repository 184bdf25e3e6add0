package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPRequestHandler(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(r.Method + " " + r.Header.Get("X-Token") + " " + string(body)))
		case "/created":
			w.WriteHeader(http.StatusCreated)
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		default:
			http.Error(w, "missing", http.StatusNotFound)
		}
	}))
	defer server.Close()

	h := NewHTTPRequestHandler(zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("Output is the response body", func(t *testing.T) {
		out, err := h.Callback(HTTPRequest{
			URL:     server.URL + "/echo",
			Method:  "post",
			Headers: map[string]string{"X-Token": "abc"},
			Body:    "payload",
		})(ctx)
		require.NoError(t, err)
		assert.Equal(t, "POST abc payload", out)
	})

	t.Run("Error status fails", func(t *testing.T) {
		out, err := h.Callback(HTTPRequest{URL: server.URL + "/missing"})(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
		assert.Contains(t, out, "missing")
	})

	t.Run("Expected status", func(t *testing.T) {
		_, err := h.Callback(HTTPRequest{URL: server.URL + "/created", ExpectStatus: http.StatusCreated})(ctx)
		assert.NoError(t, err)

		_, err = h.Callback(HTTPRequest{URL: server.URL + "/echo", ExpectStatus: http.StatusCreated})(ctx)
		assert.Error(t, err)
	})

	t.Run("Context bounds the request", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := h.Callback(HTTPRequest{URL: server.URL + "/slow"})(ctx)
		assert.Error(t, err)
	})
}

func TestHTTPRequestValidate(t *testing.T) {
	assert.NoError(t, (&HTTPRequest{URL: "https://example.com/health"}).Validate())
	assert.Error(t, (&HTTPRequest{}).Validate())
	assert.Error(t, (&HTTPRequest{URL: "ftp://example.com"}).Validate())
}

func TestFileOperationHandler(t *testing.T) {
	dir := t.TempDir()
	h, err := NewFileOperationHandler(zaptest.NewLogger(t), dir)
	require.NoError(t, err)
	ctx := context.Background()

	run := func(op FileOperation) (string, error) {
		return h.Callback(op)(ctx)
	}

	_, err = run(FileOperation{Operation: FileOperationWrite, Source: "in/data.txt", Content: "rows=3\n"})
	require.NoError(t, err)

	out, err := run(FileOperation{Operation: FileOperationRead, Source: "in/data.txt"})
	require.NoError(t, err)
	assert.Equal(t, "rows=3\n", out)

	_, err = run(FileOperation{Operation: FileOperationCopy, Source: "in/data.txt", Target: "backup/data.txt"})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "backup", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "rows=3\n", string(data))

	_, err = run(FileOperation{Operation: FileOperationMove, Source: "in/data.txt", Target: "out/data.txt"})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "in", "data.txt"))
	assert.FileExists(t, filepath.Join(dir, "out", "data.txt"))

	_, err = run(FileOperation{Operation: FileOperationDelete, Source: "out/data.txt"})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "out", "data.txt"))

	t.Run("Paths are confined to the base directory", func(t *testing.T) {
		_, err := run(FileOperation{Operation: FileOperationRead, Source: "../outside.txt"})
		assert.Error(t, err)
		_, err = run(FileOperation{Operation: FileOperationCopy, Source: "backup/data.txt", Target: "../../etc/x"})
		assert.Error(t, err)
	})

	t.Run("Cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := h.Callback(FileOperation{Operation: FileOperationRead, Source: "backup/data.txt"})(cancelled)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFileOperationValidate(t *testing.T) {
	tests := []struct {
		name  string
		op    FileOperation
		valid bool
	}{
		{"read", FileOperation{Operation: FileOperationRead, Source: "a"}, true},
		{"copy", FileOperation{Operation: FileOperationCopy, Source: "a", Target: "b"}, true},
		{"missing source", FileOperation{Operation: FileOperationRead}, false},
		{"move without target", FileOperation{Operation: FileOperationMove, Source: "a"}, false},
		{"unknown operation", FileOperation{Operation: "archive", Source: "a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
