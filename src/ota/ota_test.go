package ota

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/dosingctl/src/kvfile"
)

func newRecords(t *testing.T) *kvfile.Dir {
	t.Helper()
	d, err := kvfile.New(t.TempDir())
	require.NoError(t, err)
	return d
}

func TestFlagStore_ReadWrite(t *testing.T) {
	flags := NewFlagStore(newRecords(t))

	_, err := flags.Read()
	assert.Error(t, err, "missing record")

	require.NoError(t, flags.Write(FlagTrigger))
	v, err := flags.Read()
	require.NoError(t, err)
	assert.Equal(t, FlagTrigger, v)
}

func TestFlagStore_ReadRejectsGarbage(t *testing.T) {
	records := newRecords(t)
	require.NoError(t, records.Write("update.txt", "yes please"))

	_, err := NewFlagStore(records).Read()
	assert.Error(t, err)
}

func TestFlagStore_ConsumeTriggersAtMostOnce(t *testing.T) {
	flags := NewFlagStore(newRecords(t))
	require.NoError(t, flags.Write(FlagTrigger))

	fired, err := flags.Consume()
	require.NoError(t, err)
	assert.True(t, fired)

	v, err := flags.Read()
	require.NoError(t, err)
	assert.Equal(t, FlagIdle, v, "cleared before the caller acts")

	fired, err = flags.Consume()
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestFlagStore_ConsumeIgnoresOtherValues(t *testing.T) {
	flags := NewFlagStore(newRecords(t))
	require.NoError(t, flags.Write(7))

	fired, err := flags.Consume()
	require.NoError(t, err)
	assert.False(t, fired)

	v, _ := flags.Read()
	assert.Equal(t, 7, v)
}

type firmwareServer struct {
	version string
	image   []byte
	auth    string
}

func (f *firmwareServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.auth = r.Header.Get("Authorization")
	switch r.URL.Path {
	case "/fw/version.json":
		_, _ = w.Write([]byte(`{"version":"` + f.version + `"}`))
	case "/fw/dosingctl":
		_, _ = w.Write(f.image)
	default:
		http.NotFound(w, r)
	}
}

type execRecorder struct {
	path  string
	calls int
}

func (e *execRecorder) exec(path string, _ []string, _ []string) error {
	e.path = path
	e.calls++
	return nil
}

func newUpdater(t *testing.T, srvURL string) (*Updater, *execRecorder, string) {
	t.Helper()
	exe := filepath.Join(t.TempDir(), "dosingctl")
	require.NoError(t, os.WriteFile(exe, []byte("old"), 0755))
	rec := &execRecorder{}
	return &Updater{
		BaseURL: srvURL + "/fw/",
		Target:  "dosingctl",
		Token:   "secret",
		Records: newRecords(t),
		ExePath: exe,
		Exec:    rec.exec,
	}, rec, exe
}

func TestFetchAndInstall_InstallsNewVersion(t *testing.T) {
	fw := &firmwareServer{version: "2", image: []byte("new image")}
	srv := httptest.NewServer(fw)
	defer srv.Close()

	u, rec, exe := newUpdater(t, srv.URL)

	require.NoError(t, u.FetchAndInstall(context.Background()))

	data, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, "new image", string(data))

	info, err := os.Stat(exe)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	assert.Equal(t, "2", u.InstalledVersion().Version)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, exe, rec.path)
	assert.Equal(t, "Bearer secret", fw.auth)
}

func TestFetchAndInstall_SkipsSameVersion(t *testing.T) {
	fw := &firmwareServer{version: "2", image: []byte("new image")}
	srv := httptest.NewServer(fw)
	defer srv.Close()

	u, rec, exe := newUpdater(t, srv.URL)
	require.NoError(t, u.Records.Write("version.json", `{"version":"2"}`))

	err := u.FetchAndInstall(context.Background())
	assert.True(t, errors.Is(err, ErrNoUpdate))

	data, _ := os.ReadFile(exe)
	assert.Equal(t, "old", string(data))
	assert.Zero(t, rec.calls)
}

func TestFetchAndInstall_MissingImageLeavesExecutable(t *testing.T) {
	fw := &firmwareServer{version: "3"}
	srv := httptest.NewServer(fw)
	defer srv.Close()

	u, rec, exe := newUpdater(t, srv.URL)
	u.Target = "missing"

	assert.Error(t, u.FetchAndInstall(context.Background()))

	data, _ := os.ReadFile(exe)
	assert.Equal(t, "old", string(data))
	assert.Zero(t, rec.calls)
	assert.Empty(t, u.InstalledVersion().Version)
}

func TestFetchAndInstall_EmptyImageRejected(t *testing.T) {
	fw := &firmwareServer{version: "3", image: nil}
	srv := httptest.NewServer(fw)
	defer srv.Close()

	u, rec, _ := newUpdater(t, srv.URL)

	assert.Error(t, u.FetchAndInstall(context.Background()))
	assert.Zero(t, rec.calls)
}

func TestFetchAndInstall_RequiresURL(t *testing.T) {
	u := &Updater{}
	assert.Error(t, u.FetchAndInstall(context.Background()))
}

func TestRestart_PropagatesExecFailure(t *testing.T) {
	err := Restart("/bin/true", func(string, []string, []string) error {
		return errors.New("exec format error")
	})
	assert.ErrorContains(t, err, "exec format error")
}
