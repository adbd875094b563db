// Package onionsupervisor implements the privileged Tor/Lokinet process
// lifecycle (spec §4.2/§4.3): a pinned-hash binary installer and a process
// supervisor with readiness probing and status fan-out. Config
// persistence (tmp-then-rename JSON) follows the same idiom
// outbox.Store and netconfig.Store use; process spawning uses stdlib
// os/exec, the only process-management primitive anywhere in the example
// pack (see manager/config.go's os/exec usage in the wireguard-go repo).
package onionsupervisor

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Error codes emitted upward per spec §4.2.
const (
	ErrPinnedHashMissing = "PINNED_HASH_MISSING"
	ErrHashMismatch      = "HASH_MISMATCH"
	ErrDownloadFailed    = "DOWNLOAD_FAILED"
	ErrExtractFailed     = "EXTRACT_FAILED"
	ErrBinaryMissing     = "BINARY_MISSING"
	ErrPermissionDenied  = "PERMISSION_DENIED"
	ErrFSError           = "FS_ERROR"
	ErrUnknown           = "UNKNOWN_ERROR"
	ErrAssetNotFound     = "ASSET_NOT_FOUND"
)

// InstallError carries an error code plus details (spec §4.2: "each
// carries a details map including network, version, asset, and target
// paths").
type InstallError struct {
	Code    string
	Details map[string]string
	Err     error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *InstallError) Unwrap() error { return e.Err }

func newInstallErr(code string, details map[string]string, err error) *InstallError {
	return &InstallError{Code: code, Details: details, Err: err}
}

// PinnedHashKey identifies one (platform, arch, version, filename) row in
// the compiled-in pinned-hash table.
type PinnedHashKey struct {
	Platform string
	Arch     string
	Version  string
	Filename string
}

// AssetInfo is what checkUpdates resolves from the upstream release index.
type AssetInfo struct {
	Version     string
	AssetName   string
	DownloadURL string
	SHA256      string
	ErrorCode   string
}

// ReleaseIndex abstracts the upstream version/asset discovery API (Tor
// Browser / Lokinet release feeds), injected so checkUpdates is testable
// without a live network call.
type ReleaseIndex interface {
	// Latest returns the newest release's version and its asset list for
	// network ("tor" or "lokinet").
	Latest(network string) (version string, assets map[string]string, err error)
}

// InstallProgress reports download progress as bytes written/total (total
// may be 0 if unknown).
type InstallProgress func(written, total int64)

// InstallResult is install()'s return value; Rollback restores the
// previously pinned pointer.
type InstallResult struct {
	Version     string
	InstallPath string
	Rollback    func() error
}

// currentPointer is the JSON structure persisted at
// <componentsRoot>/current.json.
type currentPointer struct {
	Version string `json:"version"`
	Path    string `json:"path"`
}

// PinnedBinaryInstaller resolves, verifies, and installs Tor/Lokinet
// binaries behind a fail-safe pointer-swap (spec §4.2).
type PinnedBinaryInstaller struct {
	componentsRoot string
	pinnedHashes   map[PinnedHashKey]string
	index          ReleaseIndex
	httpClient     *http.Client
}

// NewPinnedBinaryInstaller creates an installer rooted at componentsRoot
// (typically "<userDataDir>/onion/components"), with the given pinned-hash
// table and release index.
func NewPinnedBinaryInstaller(componentsRoot string, pinnedHashes map[PinnedHashKey]string, index ReleaseIndex) *PinnedBinaryInstaller {
	return &PinnedBinaryInstaller{
		componentsRoot: componentsRoot,
		pinnedHashes:   pinnedHashes,
		index:          index,
		httpClient:     &http.Client{Timeout: 2 * time.Minute},
	}
}

// CheckUpdates resolves the latest version via the upstream release index,
// selects the asset for the current platform/arch, and looks up its pinned
// hash (spec §4.2 checkUpdates).
func (p *PinnedBinaryInstaller) CheckUpdates(network string) (*AssetInfo, error) {
	version, assets, err := p.index.Latest(network)
	if err != nil {
		return nil, newInstallErr(ErrDownloadFailed, map[string]string{"network": network}, err)
	}

	assetName := assetNameFor(network, runtime.GOOS, runtime.GOARCH)
	downloadURL, ok := assets[assetName]
	if !ok {
		return &AssetInfo{ErrorCode: ErrAssetNotFound}, nil
	}

	key := PinnedHashKey{Platform: runtime.GOOS, Arch: runtime.GOARCH, Version: version, Filename: assetName}
	hash, ok := p.pinnedHashes[key]
	if !ok {
		return &AssetInfo{Version: version, AssetName: assetName, DownloadURL: downloadURL, ErrorCode: ErrPinnedHashMissing}, nil
	}

	return &AssetInfo{Version: version, AssetName: assetName, DownloadURL: downloadURL, SHA256: hash}, nil
}

func assetNameFor(network, goos, goarch string) string {
	ext := "tar.gz"
	if goos == "windows" {
		ext = "zip"
	}
	return fmt.Sprintf("%s-%s-%s.%s", network, goos, goarch, ext)
}

// Install downloads, verifies against the pinned hash, extracts, and
// atomically swaps the pointer file (spec §4.2 install). It never commits a
// new pointer unless the pinned hash matched and the expected binary exists
// inside the extracted tree.
func (p *PinnedBinaryInstaller) Install(userDataDir, network, version, downloadURL, assetName string, onProgress InstallProgress) (*InstallResult, error) {
	details := map[string]string{"network": network, "version": version, "asset": assetName}

	key := PinnedHashKey{Platform: runtime.GOOS, Arch: runtime.GOARCH, Version: version, Filename: assetName}
	pinnedHash, ok := p.pinnedHashes[key]
	if !ok {
		return nil, newInstallErr(ErrPinnedHashMissing, details, nil)
	}

	onionDir := filepath.Join(userDataDir, "onion")
	tmpDir, err := os.MkdirTemp(onionDir, "tmp-*")
	if err != nil {
		return nil, newInstallErr(ErrFSError, details, err)
	}
	defer os.RemoveAll(tmpDir)

	archivePath := filepath.Join(tmpDir, assetName)
	if err := p.download(archivePath, downloadURL, onProgress); err != nil {
		return nil, newInstallErr(ErrDownloadFailed, details, err)
	}

	actualHash, err := sha256File(archivePath)
	if err != nil {
		return nil, newInstallErr(ErrFSError, details, err)
	}
	if !strings.EqualFold(actualHash, pinnedHash) {
		return nil, newInstallErr(ErrHashMismatch, details, fmt.Errorf("expected %s, got %s", pinnedHash, actualHash))
	}

	versionDir := filepath.Join(p.componentsRoot, network, version)
	if err := extractArchive(archivePath, versionDir); err != nil {
		return nil, newInstallErr(ErrExtractFailed, details, err)
	}

	binaryPath := filepath.Join(versionDir, binaryNameFor(network))
	if _, err := os.Stat(binaryPath); err != nil {
		return nil, newInstallErr(ErrBinaryMissing, details, err)
	}

	previous, _ := p.ReadCurrentPointer(network)

	if err := p.writePointer(network, currentPointer{Version: version, Path: binaryPath}); err != nil {
		return nil, newInstallErr(ErrFSError, details, err)
	}

	rollback := func() error {
		if previous == nil {
			return os.Remove(p.pointerPath(network))
		}
		return p.writePointer(network, *previous)
	}

	logrus.WithFields(logrus.Fields{
		"function": "PinnedBinaryInstaller.Install",
		"network":  network,
		"version":  version,
	}).Info("installed pinned binary")

	return &InstallResult{Version: version, InstallPath: binaryPath, Rollback: rollback}, nil
}

func (p *PinnedBinaryInstaller) download(dest, url string, onProgress InstallProgress) error {
	resp, err := p.httpClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, url)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	var written int64
	buf := make([]byte, 64*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, resp.ContentLength)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func extractArchive(archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	if strings.HasSuffix(archivePath, ".zip") {
		return extractZip(archivePath, destDir)
	}
	return extractTarGz(archivePath, destDir)
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("extractTarGz: illegal path escapes destination: %s", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(destDir, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("extractZip: illegal path escapes destination: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

func binaryNameFor(network string) string {
	name := network
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

func (p *PinnedBinaryInstaller) pointerPath(network string) string {
	return filepath.Join(p.componentsRoot, network, "current.json")
}

func (p *PinnedBinaryInstaller) writePointer(network string, ptr currentPointer) error {
	data, err := json.Marshal(ptr)
	if err != nil {
		return err
	}
	path := p.pointerPath(network)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadCurrentPointer returns the currently pinned version/path, if any.
func (p *PinnedBinaryInstaller) ReadCurrentPointer(network string) (*currentPointer, error) {
	data, err := os.ReadFile(p.pointerPath(network))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ptr currentPointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, err
	}
	return &ptr, nil
}

// PruneOldVersions best-effort removes version directories other than
// keepActive (spec §4.2 pruneOldVersions).
func (p *PinnedBinaryInstaller) PruneOldVersions(network, keepActive string) {
	networkDir := filepath.Join(p.componentsRoot, network)
	entries, err := os.ReadDir(networkDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keepActive {
			continue
		}
		if err := os.RemoveAll(filepath.Join(networkDir, e.Name())); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PinnedBinaryInstaller.PruneOldVersions",
				"network":  network,
				"version":  e.Name(),
				"error":    err.Error(),
			}).Warn("failed to prune old version directory")
		}
	}
}
