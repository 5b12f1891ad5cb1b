package ota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrNoUpdate is returned when the published version matches the installed one.
var ErrNoUpdate = errors.New("no update available")

const (
	versionFile  = "version.json"
	maxImageSize = 256 << 20
)

// Version is the manifest published next to each program image.
type Version struct {
	Version string `json:"version"`
}

// Execer replaces the running process image.
type Execer func(path string, args []string, env []string) error

// Updater fetches a program image from a base URL and installs it over the
// running executable. Target names the image under BaseURL and Token is an
// optional bearer credential. Records holds the installed version manifest.
// ExePath and Exec default to the running executable and syscall.Exec.
type Updater struct {
	BaseURL string
	Target  string
	Token   string
	Records Records
	ExePath string
	Client  *http.Client
	Exec    Execer
}

func (u *Updater) client() *http.Client {
	if u.Client != nil {
		return u.Client
	}
	return &http.Client{Timeout: 5 * time.Minute}
}

func (u *Updater) url(name string) string {
	return strings.TrimRight(u.BaseURL, "/") + "/" + name
}

func (u *Updater) get(ctx context.Context, name string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url(name), nil)
	if err != nil {
		return nil, err
	}
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}
	resp, err := u.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: %s", name, resp.Status)
	}
	return resp.Body, nil
}

func (u *Updater) remoteVersion(ctx context.Context) (Version, []byte, error) {
	body, err := u.get(ctx, versionFile)
	if err != nil {
		return Version{}, nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, 1<<16))
	if err != nil {
		return Version{}, nil, fmt.Errorf("read %s: %w", versionFile, err)
	}
	var v Version
	if err := json.Unmarshal(raw, &v); err != nil {
		return Version{}, nil, fmt.Errorf("parse %s: %w", versionFile, err)
	}
	if v.Version == "" {
		return Version{}, nil, fmt.Errorf("%s has no version", versionFile)
	}
	return v, raw, nil
}

// InstalledVersion returns the version recorded by the last install, or the
// zero Version if none is recorded.
func (u *Updater) InstalledVersion() Version {
	if u.Records == nil {
		return Version{}
	}
	raw, err := u.Records.Read(versionFile)
	if err != nil {
		return Version{}
	}
	var v Version
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Version{}
	}
	return v
}

// FetchAndInstall installs the published image if its version differs from the
// installed one and then re-executes the process. On success it does not return.
// ErrNoUpdate is returned when already up to date.
func (u *Updater) FetchAndInstall(ctx context.Context) error {
	if u.BaseURL == "" {
		return errors.New("no firmware url configured")
	}

	remote, manifest, err := u.remoteVersion(ctx)
	if err != nil {
		return err
	}
	if installed := u.InstalledVersion(); installed.Version == remote.Version {
		return fmt.Errorf("%w: version %s installed", ErrNoUpdate, remote.Version)
	}
	log.Printf("Updater: installing version %s from %s\n", remote.Version, u.url(u.Target))

	exe, err := u.exePath()
	if err != nil {
		return err
	}
	if err := u.install(ctx, exe); err != nil {
		return err
	}
	if u.Records != nil {
		if err := u.Records.Write(versionFile, string(manifest)); err != nil {
			return fmt.Errorf("record version: %w", err)
		}
	}

	log.Printf("Updater: version %s installed, restarting\n", remote.Version)
	return Restart(exe, u.Exec)
}

func (u *Updater) exePath() (string, error) {
	if u.ExePath != "" {
		return u.ExePath, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

func (u *Updater) install(ctx context.Context, exe string) error {
	body, err := u.get(ctx, u.Target)
	if err != nil {
		return err
	}
	defer body.Close()

	image, err := io.ReadAll(io.LimitReader(body, maxImageSize+1))
	if err != nil {
		return fmt.Errorf("download %s: %w", u.Target, err)
	}
	if len(image) == 0 {
		return fmt.Errorf("download %s: empty image", u.Target)
	}
	if len(image) > maxImageSize {
		return fmt.Errorf("download %s: image exceeds %d bytes", u.Target, maxImageSize)
	}
	if err := writeFileAtomic(exe, image, 0755); err != nil {
		return fmt.Errorf("install %s: %w", u.Target, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Restart re-executes the program at exe with the current arguments and
// environment. A nil exec uses syscall.Exec, which does not return on success.
func Restart(exe string, exec Execer) error {
	if exec == nil {
		exec = syscall.Exec
	}
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
	}
	if err := exec(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("restart %s: %w", exe, err)
	}
	return nil
}
