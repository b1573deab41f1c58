package objectstore_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/phrazzld/relay-api/internal/config"
	"github.com/phrazzld/relay-api/internal/platform/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves path-style HEAD and PUT object requests from memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	status  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	switch r.Method {
	case http.MethodHead:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `"existing"`)
		w.Header().Set("Content-Type", f.types[r.URL.Path])
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag-`+strconv.Itoa(len(f.objects))+`"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) has(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[path]
	return ok
}

func newStore(t *testing.T, s3 http.Handler) *objectstore.Store {
	t.Helper()
	srv := httptest.NewServer(s3)
	t.Cleanup(srv.Close)

	store, err := objectstore.New(config.ArchiveConfig{
		Enabled:         true,
		Endpoint:        srv.URL + "/ignored/path",
		Region:          "auto",
		Bucket:          "media",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "secret",
		PublicBaseURL:   "https://cdn.example.com/",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return store
}

func sourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".png"):
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("png-bytes"))
		case strings.HasSuffix(r.URL.Path, ".mp4"):
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write([]byte("mp4-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "tasks/abc/0.png", objectstore.Key("abc", 0, "https://x.example.com/out/a.PNG?sig=1"))
	assert.Equal(t, "tasks/abc/1.bin", objectstore.Key("abc", 1, "https://x.example.com/out/noext"))
	assert.Equal(t, "tasks/U1/2.mp4", objectstore.Key("U1", 2, "https://x.example.com/v.mp4"))
}

func TestArchiveUploadsAndSkipsFailures(t *testing.T) {
	t.Parallel()

	s3 := newFakeS3()
	store := newStore(t, s3)
	src := sourceServer(t)

	objs := store.Archive(context.Background(), "task-1", []string{
		src.URL + "/a.png",
		src.URL + "/missing",
		src.URL + "/c.mp4",
	})

	require.Len(t, objs, 2)
	assert.Equal(t, "tasks/task-1/0.png", objs[0].Key)
	assert.Equal(t, "media", objs[0].Bucket)
	assert.Equal(t, "image/png", objs[0].ContentType, "extension wins over header")
	assert.Equal(t, "https://cdn.example.com/tasks/task-1/0.png", objs[0].PublicURL)
	assert.NotEmpty(t, objs[0].ETag)
	assert.Equal(t, "tasks/task-1/2.mp4", objs[1].Key)

	assert.True(t, s3.has("/media/tasks/task-1/0.png"))
	assert.True(t, s3.has("/media/tasks/task-1/2.mp4"))
	assert.False(t, s3.has("/media/tasks/task-1/1.bin"))
}

func TestArchiveReusesExistingObject(t *testing.T) {
	t.Parallel()

	s3 := newFakeS3()
	s3.objects["/media/tasks/task-2/0.png"] = []byte("old")
	s3.types["/media/tasks/task-2/0.png"] = "image/png"
	store := newStore(t, s3)

	objs := store.Archive(context.Background(), "task-2", []string{"http://127.0.0.1:1/never-fetched.png"})
	require.Len(t, objs, 1)
	assert.Equal(t, `"existing"`, objs[0].ETag)
	assert.Equal(t, int64(3), objs[0].Size)
}

func TestArchiveEmpty(t *testing.T) {
	t.Parallel()
	store := newStore(t, newFakeS3())
	assert.Nil(t, store.Archive(context.Background(), "x", nil))
}

func TestCheck(t *testing.T) {
	t.Parallel()

	d := newStore(t, newFakeS3()).Check(context.Background())
	assert.True(t, d.OK)
	assert.Equal(t, http.StatusNotFound, d.HeadStatus)
	assert.Equal(t, "media", d.Bucket)
	assert.True(t, strings.HasPrefix(d.CheckKey, "diag/does-not-exist-"))

	denied := newFakeS3()
	denied.status = http.StatusForbidden
	d = newStore(t, denied).Check(context.Background())
	assert.False(t, d.OK)
	assert.Equal(t, http.StatusForbidden, d.HeadStatus)
	assert.NotEmpty(t, d.HeadError)
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()
	_, err := objectstore.New(config.ArchiveConfig{Endpoint: "https://r2.example.com"}, nil)
	assert.Error(t, err)
}
