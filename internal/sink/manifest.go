package sink

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/tthsd/tthsd/internal/common"
)

var manifestMagic = []byte("TTHSD\x00")

const manifestVersion byte = 1

// Manifest is the JSON payload persisted alongside the target file, per
// the on-disk resume manifest contract in the external interfaces
// section.
type Manifest struct {
	URL       string `json:"url"`
	Total     int64  `json:"total"`
	ChunkSize int64  `json:"chunk_size"`
	ETag      string `json:"etag,omitempty"`
	Bitmap    string `json:"bitmap_base64"`
}

// ManifestPath returns the sidecar path for a save path: <save_path>.tthsd.
func ManifestPath(savePath string) string {
	return savePath + ".tthsd"
}

// EncodeBitmap packs one bool per range into a byte-per-8-ranges bitmap,
// base64-encoded for the JSON payload.
func EncodeBitmap(done []bool) string {
	packed := make([]byte, (len(done)+7)/8)
	for i, d := range done {
		if d {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	return base64.StdEncoding.EncodeToString(packed)
}

// DecodeBitmap unpacks EncodeBitmap's output back into one bool per range.
func DecodeBitmap(encoded string, rangeCount int) ([]bool, error) {
	packed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	done := make([]bool, rangeCount)
	for i := range done {
		byteIdx := i / 8
		if byteIdx >= len(packed) {
			break
		}
		done[i] = packed[byteIdx]&(1<<uint(i%8)) != 0
	}

	return done, nil
}

// SaveManifest writes the manifest atomically via temp+rename, the same
// pattern the teacher's repository layer uses for its bolt writes, adapted
// here from a database transaction to a plain file write.
func SaveManifest(savePath string, m Manifest) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return common.Tag(common.PrefixIOWrite, false, err)
	}

	buf := make([]byte, 0, len(manifestMagic)+1+len(payload))
	buf = append(buf, manifestMagic...)
	buf = append(buf, manifestVersion)
	buf = append(buf, payload...)

	path := ManifestPath(savePath)
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tthsd-manifest-*")
	if err != nil {
		return common.Tag(common.PrefixIOOpen, false, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return common.Tag(classifyWriteErr(err), false, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return common.Tag(classifyWriteErr(err), false, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return common.Tag(common.PrefixIOWrite, false, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return common.Tag(common.PrefixIOWrite, false, err)
	}

	return nil
}

// LoadManifest reads and validates the magic prefix/version before
// decoding the JSON body. A corrupt manifest is reported via the
// manifest.corrupt taxonomy prefix so the caller can discard it silently
// and replan from scratch.
func LoadManifest(savePath string) (Manifest, error) {
	raw, err := os.ReadFile(ManifestPath(savePath))
	if err != nil {
		return Manifest{}, err
	}

	header := len(manifestMagic) + 1
	if len(raw) < header || string(raw[:len(manifestMagic)]) != string(manifestMagic) {
		return Manifest{}, common.Tag(common.PrefixManifestBad, false, errors.New("bad magic"))
	}
	if raw[len(manifestMagic)] != manifestVersion {
		return Manifest{}, common.Tag(common.PrefixManifestBad, false, fmt.Errorf("unsupported manifest version %d", raw[len(manifestMagic)]))
	}

	var m Manifest
	if err := json.Unmarshal(raw[header:], &m); err != nil {
		return Manifest{}, common.Tag(common.PrefixManifestBad, false, err)
	}

	return m, nil
}

// DeleteManifest removes the sidecar file; a missing file is not an error.
func DeleteManifest(savePath string) error {
	err := os.Remove(ManifestPath(savePath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Consistent reports whether a loaded manifest still matches the current
// probe, per the planner rule that a size or ETag mismatch discards it.
func Consistent(m Manifest, url string, total int64, chunkSize int64, etag string) bool {
	if m.URL != url || m.Total != total || m.ChunkSize != chunkSize {
		return false
	}
	if m.ETag != "" && etag != "" && m.ETag != etag {
		return false
	}
	return true
}

func classifyWriteErr(err error) string {
	if errors.Is(err, syscall.ENOSPC) {
		return common.PrefixIODiskFull
	}
	if errors.Is(err, os.ErrPermission) {
		return common.PrefixIOOpen
	}
	return common.PrefixIOWrite
}
