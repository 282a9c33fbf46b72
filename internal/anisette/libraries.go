package anisette

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sync"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
)

// DefaultLibrariesURL is the Android Apple Music package that ships the
// identity libraries.
const DefaultLibrariesURL = "https://apps.mzstatic.com/content/android-apple-music-apk/applemusic.apk"

const (
	libDirPerm  = 0o700
	libFilePerm = 0o600
)

// requiredLibraries are extracted from the package for the host ABI.
var requiredLibraries = []string{"libstoreservicescore.so", "libCoreADI.so"}

// abiFor maps a Go architecture to the Android ABI directory name. An
// empty result means the architecture has no libraries.
func abiFor(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "386":
		return "x86"
	case "arm64":
		return "arm64-v8a"
	case "arm":
		return "armeabi-v7a"
	}

	return ""
}

// Provisioner makes sure the identity libraries exist under
// <config>/lib/<abi>/. Ensure is idempotent: when both files are already
// present nothing is downloaded.
type Provisioner struct {
	dir        string
	url        string
	abi        string
	httpClient *http.Client
	logger     *slog.Logger

	mu sync.Mutex
}

// NewProvisioner creates a Provisioner rooted at configDir. An empty url
// means DefaultLibrariesURL.
func NewProvisioner(configDir, url string, httpClient *http.Client, logger *slog.Logger) *Provisioner {
	if url == "" {
		url = DefaultLibrariesURL
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Provisioner{
		dir:        configDir,
		url:        url,
		abi:        abiFor(runtime.GOARCH),
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "anisette-libs")),
	}
}

// LibraryDir is where the libraries for the host ABI live.
func (p *Provisioner) LibraryDir() string {
	return filepath.Join(p.dir, "lib", p.abi)
}

// Present reports whether every required library exists.
func (p *Provisioner) Present() bool {
	if p.abi == "" {
		return true
	}

	for _, name := range requiredLibraries {
		if _, err := os.Stat(filepath.Join(p.LibraryDir(), name)); err != nil {
			return false
		}
	}

	return true
}

// Ensure downloads and extracts the libraries if any is missing.
func (p *Provisioner) Ensure(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Present() {
		return nil
	}

	libDir := p.LibraryDir()
	if err := os.MkdirAll(libDir, libDirPerm); err != nil {
		return fmt.Errorf("creating library directory: %w", err)
	}

	p.logger.Info("downloading identity libraries", slog.String("url", p.url))

	archive, err := p.download(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	if err := p.extract(archive, libDir); err != nil {
		return err
	}

	if !p.Present() {
		return &apperrors.ParseError{Op: "library archive", Err: fmt.Errorf("libraries for %s not found in archive", p.abi)}
	}

	p.logger.Info("identity libraries extracted", slog.String("dir", libDir))

	return nil
}

// download streams the archive to a temporary file in the config dir.
func (p *Provisioner) download(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &apperrors.TransportError{Op: "library download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &apperrors.TransportError{Op: "library download", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	tmp, err := os.CreateTemp(p.dir, "apk-*.zip")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return "", &apperrors.TransportError{Op: "library download", Err: err}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	return tmp.Name(), nil
}

func (p *Provisioner) extract(archive, libDir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return &apperrors.ParseError{Op: "library archive", Err: err}
	}
	defer zr.Close()

	prefix := "lib/" + p.abi + "/"

	for _, f := range zr.File {
		if path.Dir(f.Name)+"/" != prefix {
			continue
		}

		name := path.Base(f.Name)
		if !isRequiredLibrary(name) {
			continue
		}

		if err := extractFile(f, filepath.Join(libDir, name)); err != nil {
			return err
		}
	}

	return nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return &apperrors.ParseError{Op: "library archive", Err: err}
	}
	defer rc.Close()

	tmp := dest + ".tmp"

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, libFilePerm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(dest), err)
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(tmp)

		return &apperrors.ParseError{Op: "library archive", Err: err}
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", filepath.Base(dest), err)
	}

	return os.Rename(tmp, dest)
}

func isRequiredLibrary(name string) bool {
	for _, lib := range requiredLibraries {
		if name == lib {
			return true
		}
	}

	return false
}
