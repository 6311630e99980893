package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Artifact is the persisted record of one completed stage: the output
// file, the fingerprint of the input it was built from, and the
// stage's format version. Artifacts are superseded, never edited in
// place.
type Artifact struct {
	// Stage is the stage that produced the artifact. For the clip slot
	// this records which branch ran.
	Stage Stage `json:"stage"`

	// Path is the stage's output file.
	Path string `json:"path"`

	// UpstreamHash is the sha256 fingerprint of the stage's input at
	// build time.
	UpstreamHash string `json:"upstream_hash"`

	// Version tags the stage's algorithm/format. Bumping it
	// invalidates existing artifacts of that stage.
	Version string `json:"version"`
}

// artifactStore persists one Artifact sidecar per pipeline slot under a
// region's state directory.
//
// Layout:
//
//	<dir>/<slot>.artifact.json
type artifactStore struct {
	dir string
}

func (s artifactStore) sidecarPath(slot string) string {
	return filepath.Join(s.dir, slot+".artifact.json")
}

// load returns the recorded artifact for a slot, or ok=false when none
// exists or its output file is gone. A corrupt sidecar reads as absent;
// the stage is simply rebuilt.
func (s artifactStore) load(slot string) (Artifact, bool) {
	data, err := os.ReadFile(s.sidecarPath(slot))
	if err != nil {
		return Artifact{}, false
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, false
	}
	if a.Path != "" {
		if _, err := os.Stat(a.Path); err != nil {
			return Artifact{}, false
		}
	}
	return a, true
}

// save writes a slot's sidecar atomically.
func (s artifactStore) save(slot string, a Artifact) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.dir, "."+slot+".artifact.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp sidecar: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close sidecar: %w", err)
	}
	return os.Rename(tmpName, s.sidecarPath(slot))
}

// discard removes a slot's sidecar and output file.
func (s artifactStore) discard(slot string) {
	if a, ok := s.load(slot); ok && a.Path != "" {
		_ = os.Remove(a.Path)
	}
	_ = os.Remove(s.sidecarPath(slot))
}

// discardFrom removes the given slot and every slot after it.
func (s artifactStore) discardFrom(slot string) {
	drop := false
	for _, sl := range slots {
		if sl == slot {
			drop = true
		}
		if drop {
			s.discard(sl)
		}
	}
}

// hashFile computes the sha256 fingerprint of a file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashJSON fingerprints a value via its canonical JSON encoding. Used
// for the pipeline's root input, which is parameters rather than a
// file.
func hashJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint params: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
