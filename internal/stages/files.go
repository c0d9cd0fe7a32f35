package stages

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lectern/internal/fileutil"
	"lectern/internal/services/audiobookshelf"
)

const (
	stitchedName  = "stitched.wav"
	processedName = "processed.wav"
)

// localName is the on-disk name of a downloaded file. The index prefix keeps
// lexical order equal to playback order.
func localName(f audiobookshelf.AudioFile) string {
	return fmt.Sprintf("%04d_%s", f.Index, filepath.Base(f.Path))
}

// inoFromName recovers the media server file id from a localName.
func inoFromName(name string) string {
	base := filepath.Base(name)
	if i := strings.IndexByte(base, '_'); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// downloadedFiles lists completed downloads in playback order.
func downloadedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") {
			continue
		}
		path := filepath.Join(dir, name)
		if fileutil.NonEmpty(path) {
			out = append(out, path)
		}
	}
	return out, nil
}

// resolveAudio picks the best available input for transcription:
// processed, then stitched, then the single downloaded file.
func resolveAudio(audioDir, downloadsDir string) (string, error) {
	for _, name := range []string{processedName, stitchedName} {
		path := filepath.Join(audioDir, name)
		if fileutil.NonEmpty(path) {
			return path, nil
		}
	}
	files, err := downloadedFiles(downloadsDir)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	if len(files) == 1 {
		return files[0], nil
	}
	return "", os.ErrNotExist
}
