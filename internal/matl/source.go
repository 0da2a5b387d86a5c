package matl

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrInvalidVersion is returned for version tags that are not safe folder names.
	ErrInvalidVersion = errors.New("invalid version")
	// ErrUnknownVersion is returned when the source archive does not exist.
	ErrUnknownVersion = errors.New("unknown version")
)

// maxArchiveBytes caps a downloaded source archive.
const maxArchiveBytes = 64 << 20

// SanitizeVersion validates a version tag for use as a folder name.
func SanitizeVersion(version string) (string, error) {
	version = strings.TrimSpace(version)
	if version == "" || strings.HasPrefix(version, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	for _, r := range version {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidVersion, version)
		}
	}
	return version, nil
}

// Installer fetches the sources of one version into dest.
type Installer interface {
	Install(ctx context.Context, version, dest string) error
}

// Sources manages one folder per interpreter version under Root, installing
// missing versions on first use.
type Sources struct {
	Root      string
	Installer Installer
	Log       *slog.Logger

	mu sync.Mutex
}

var _ FolderResolver = (*Sources)(nil)

// Folder returns the source folder for version, installing it if needed.
func (s *Sources) Folder(ctx context.Context, version string) (string, error) {
	tag, err := SanitizeVersion(version)
	if err != nil {
		return "", err
	}
	folder := filepath.Join(s.Root, tag)

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := os.Stat(folder); err == nil && info.IsDir() {
		return folder, nil
	}
	if s.Installer == nil {
		return "", fmt.Errorf("%w: %s is not installed", ErrUnknownVersion, tag)
	}

	s.logger().Info("Installing MATL version", "version", tag, "folder", folder)
	if err := s.Installer.Install(ctx, tag, folder); err != nil {
		return "", err
	}
	return folder, nil
}

// Remove deletes the folder of version so the next use reinstalls it.
func (s *Sources) Remove(version string) error {
	tag, err := SanitizeVersion(version)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(filepath.Join(s.Root, tag))
}

func (s *Sources) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// GitHubInstaller downloads zipballs of a repository's tags.
type GitHubInstaller struct {
	Repo    string
	BaseURL string
	Client  *http.Client
}

var _ Installer = (*GitHubInstaller)(nil)

// Install downloads the tag's archive and unpacks it into dest.
func (g *GitHubInstaller) Install(ctx context.Context, version, dest string) error {
	base := g.BaseURL
	if base == "" {
		base = "https://github.com"
	}
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := strings.TrimRight(base, "/") + "/" + g.Repo + "/zipball/" + version
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: tag %q", ErrUnknownVersion, version)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("failed to download %s: %s", url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes+1))
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	if len(data) > maxArchiveBytes {
		return fmt.Errorf("archive for %s exceeds %d bytes", version, maxArchiveBytes)
	}
	return Unzip(data, dest)
}

// Unzip extracts archive into dest, dropping the directory prefix shared by
// every entry. It extracts into a sibling temp folder and renames it into
// place, so dest never holds a partial install.
func Unzip(archive []byte, dest string) error {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	// Insecure names are confined by extract.
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("failed to open archive: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}
	staging, err := os.MkdirTemp(filepath.Dir(dest), ".install-*")
	if err != nil {
		return fmt.Errorf("failed to create staging folder: %w", err)
	}
	defer os.RemoveAll(staging)

	prefix := commonPrefix(reader.File)
	for _, file := range reader.File {
		name := strings.TrimPrefix(file.Name, prefix)
		if name == "" {
			continue
		}
		if err := extract(file, staging, name); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dest, err)
	}
	if err := os.Rename(staging, dest); err != nil {
		return fmt.Errorf("failed to move install into %s: %w", dest, err)
	}
	return nil
}

func extract(file *zip.File, root, name string) error {
	target := filepath.Join(root, filepath.FromSlash(path.Clean("/" + name)))
	if !strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry %q escapes destination", file.Name)
	}

	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to extract %s: %w", file.Name, err)
	}
	return dst.Close()
}

// commonPrefix returns the leading directory shared by every entry, if any.
func commonPrefix(files []*zip.File) string {
	if len(files) == 0 {
		return ""
	}
	prefix := files[0].Name
	for _, f := range files[1:] {
		for !strings.HasPrefix(f.Name, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		return prefix[:i+1]
	}
	return ""
}
