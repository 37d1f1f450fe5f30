package media

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibez/internal/pane"
)

func attachment(name, contentType, body string) pane.Attachment {
	return pane.Attachment{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(body)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

func TestNewNeedsConfig(t *testing.T) {
	_, err := New("", "preset")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = New("http://x", "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestUploadSendsFormAndReportsProgress(t *testing.T) {
	payload := strings.Repeat("v", 256*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("upload_preset") != "chat" {
			http.Error(w, "bad preset", http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		if string(b) != payload || hdr.Filename != "clip.mp4" || hdr.Header.Get("Content-Type") != "video/mp4" {
			http.Error(w, "file mismatch", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"secure_url":    "https://cdn.example/clip.mp4",
			"resource_type": "video",
			"duration":      12.5,
		})
	}))
	defer srv.Close()

	u, err := New(srv.URL, "chat")
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		reports []float64
	)
	f, err := u.Upload(context.Background(), attachment("clip.mp4", "video/mp4", payload), func(p float64) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/clip.mp4", f.URL)
	assert.Equal(t, "video/mp4", f.Type)
	assert.Equal(t, "clip.mp4", f.Name)
	assert.Equal(t, 12.5, f.Duration)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reports)
	assert.Equal(t, 100.0, reports[len(reports)-1])
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i], reports[i-1])
	}
}

func TestUploadDurationOnlyForVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"secure_url":"https://cdn.example/a.png","resource_type":"image","duration":3}`))
	}))
	defer srv.Close()

	u, err := New(srv.URL, "chat")
	require.NoError(t, err)
	f, err := u.Upload(context.Background(), attachment("a.png", "image/png", "png"), nil)
	require.NoError(t, err)
	assert.Zero(t, f.Duration)
}

func TestUploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		http.Error(w, "Upload preset not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	u, err := New(srv.URL, "chat")
	require.NoError(t, err)
	_, err = u.Upload(context.Background(), attachment("a.txt", "text/plain", "hello"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestUploadCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	u, err := New(srv.URL, "chat")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = u.Upload(ctx, attachment("a.txt", "text/plain", "hello"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, []byte("not really a png"), 0o600))

	a, err := FromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "photo.png", a.Name)
	assert.Equal(t, "image/png", a.ContentType)
	assert.Equal(t, int64(16), a.Size)
	assert.True(t, strings.HasPrefix(a.Preview, "file://"))

	rc, err := a.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "not really a png", string(b))

	_, err = FromPath(t.TempDir())
	assert.Error(t, err)
}
