package resources

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// RemoteFile downloads a URL to a local path. When Checksum is set the
// local file is compared against it first and the download is skipped on
// match; without a checksum the file is fetched and compared against the
// current content, so an unchanged upstream still converges to Unchanged.
type RemoteFile struct {
	base

	Path   string
	Source string

	// Checksum is the optional expected hex sha256 of the content.
	Checksum string

	Mode  os.FileMode
	Owner string
	Group string

	// client overrides the default HTTP client, for tests.
	client *http.Client
}

// NewRemoteFile creates a remote_file resource with the default create action.
func NewRemoteFile(path, source string) *RemoteFile {
	r := &RemoteFile{Path: path, Source: source}
	r.props.Action = "create"
	return r
}

// Identity implements engine.Resource.
func (r *RemoteFile) Identity() engine.ResourceID {
	return engine.ID(KindRemoteFile, r.Path)
}

// Apply implements engine.Resource.
func (r *RemoteFile) Apply(ctx context.Context, action string) engine.ApplyResult {
	switch action {
	case "create", "apply":
		return r.create(ctx)
	case "delete":
		f := File{Path: r.Path}
		return f.delete()
	default:
		return engine.Failedf("remote_file: unknown action %q", action)
	}
}

func (r *RemoteFile) create(ctx context.Context) engine.ApplyResult {
	localSum, err := fileChecksum(r.Path)
	if err != nil {
		return engine.Failed(err)
	}

	changed := false
	if r.Checksum == "" || localSum != r.Checksum {
		sum, data, err := r.fetch(ctx)
		if err != nil {
			return engine.Failed(err)
		}
		if r.Checksum != "" && sum != r.Checksum {
			return engine.Failedf("remote_file: %s checksum mismatch: got %s, want %s", r.Source, sum, r.Checksum)
		}
		if sum != localSum {
			if err := os.MkdirAll(filepath.Dir(r.Path), 0755); err != nil {
				return engine.Failed(err)
			}
			mode := r.Mode
			if mode == 0 {
				mode = 0644
			}
			if err := os.WriteFile(r.Path, data, mode.Perm()); err != nil {
				return engine.Failed(err)
			}
			changed = true
		}
	}

	modeChanged, err := ensureMode(r.Path, r.Mode)
	if err != nil {
		return engine.Failed(err)
	}
	ownChanged, err := ensureOwnership(r.Path, r.Owner, r.Group)
	if err != nil {
		return engine.Failed(err)
	}

	if changed || modeChanged || ownChanged {
		return engine.Updated()
	}
	return engine.Unchanged()
}

func (r *RemoteFile) fetch(ctx context.Context) (string, []byte, error) {
	client := r.client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Source, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch %s: %w", r.Source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("failed to fetch %s: status %s", r.Source, resp.Status)
	}

	h := sha256.New()
	data, err := io.ReadAll(io.TeeReader(resp.Body, h))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read %s: %w", r.Source, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), data, nil
}
