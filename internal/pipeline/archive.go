package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Archive stores accepted uploads as <key>/<unixnanos>_<filename>, where key
// is the hex SHA-256 of the identity, so the latest one can be re-evaluated
// on request.
type Archive struct {
	dir string
}

func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Archive{dir: dir}, nil
}

// Save writes data and returns the stored path.
func (a *Archive) Save(identity, filename string, data []byte, now time.Time) (string, error) {
	dir := a.identityDir(identity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create identity dir: %w", err)
	}
	name := fmt.Sprintf("%d_%s", now.UnixNano(), safeName(filepath.Base(filename)))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}

// Latest returns the original file name and content of identity's most
// recent upload. It returns os.ErrNotExist when there is none.
func (a *Archive) Latest(identity string) (string, []byte, error) {
	dir := a.identityDir(identity)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, os.ErrNotExist
	}
	if err != nil {
		return "", nil, fmt.Errorf("list uploads: %w", err)
	}

	var (
		best     string
		bestName string
		bestTS   int64 = -1
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		tsPart, original, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		ts, err := strconv.ParseInt(tsPart, 10, 64)
		if err != nil || ts <= bestTS {
			continue
		}
		best, bestName, bestTS = e.Name(), original, ts
	}
	if best == "" {
		return "", nil, os.ErrNotExist
	}

	data, err := os.ReadFile(filepath.Join(dir, best))
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	return bestName, data, nil
}

func (a *Archive) identityDir(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return filepath.Join(a.dir, hex.EncodeToString(sum[:]))
}

// safeName keeps letters, digits, dot, dash and underscore.
func safeName(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	if sb.Len() == 0 {
		return "archivo"
	}
	return sb.String()
}
