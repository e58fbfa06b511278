package r2s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPutFileSignsPathStyleRequest(t *testing.T) {
	type got struct {
		method, path, auth, date, body string
	}
	ch := make(chan got, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		ch <- got{r.Method, r.URL.Path, r.Header.Get("Authorization"), r.Header.Get("x-amz-date"), string(b)}
	}))
	defer srv.Close()

	c, err := New(Credentials{Endpoint: srv.URL, Bucket: "snaps", AccessKeyID: "AK", SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	local := filepath.Join(t.TempDir(), "ledger.snap.zst")
	if err := os.WriteFile(local, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.PutFile(context.Background(), "/sim/snapshots/ledger.snap.zst", local); err != nil {
		t.Fatalf("put: %v", err)
	}
	g := <-ch
	if g.method != http.MethodPut || g.path != "/snaps/sim/snapshots/ledger.snap.zst" {
		t.Fatalf("request %s %s", g.method, g.path)
	}
	if !strings.HasPrefix(g.auth, "AWS4-HMAC-SHA256 Credential=AK/20260102/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=") {
		t.Fatalf("authorization=%q", g.auth)
	}
	if g.date != "20260102T030405Z" || g.body != "payload" {
		t.Fatalf("date=%q body=%q", g.date, g.body)
	}
}

func TestPutFileReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "AccessDenied", http.StatusForbidden)
	}))
	defer srv.Close()
	c, err := New(Credentials{Endpoint: srv.URL, Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"})
	if err != nil {
		t.Fatal(err)
	}
	local := filepath.Join(t.TempDir(), "f")
	_ = os.WriteFile(local, []byte("x"), 0o644)
	err = c.PutFile(context.Background(), "f", local)
	if err == nil || !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "AccessDenied") {
		t.Fatalf("err=%v", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Credentials{Endpoint: "r2.example.com", Bucket: "b", AccessKeyID: "a"}); err == nil {
		t.Fatalf("expected error without secret key")
	}
}

type flakyUploader struct {
	mu    sync.Mutex
	fails int
	keys  []string
}

func (f *flakyUploader) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("boom")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirrorRetriesAndPrefixesKeys(t *testing.T) {
	base := t.TempDir()
	local := filepath.Join(base, "snapshots", "0000000000000042.snap.zst")
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(local, []byte("x"), 0o644)

	up := &flakyUploader{fails: 2}
	m := newMirror(up, MirrorOptions{BaseDir: base, Prefix: "/sim/", Backoff: time.Millisecond})
	m.Enqueue(local)
	m.Enqueue(filepath.Join(t.TempDir(), "outside"))
	m.Close()

	if len(up.keys) != 1 || up.keys[0] != "sim/snapshots/0000000000000042.snap.zst" {
		t.Fatalf("keys=%v", up.keys)
	}
	st := m.Stats()
	if st.EnqueuedTotal != 2 || st.UploadSuccessTotal != 1 || st.UploadFailTotal != 1 {
		t.Fatalf("stats=%+v", st)
	}
}
