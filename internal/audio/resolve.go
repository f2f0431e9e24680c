// Package audio locates announcement clips on disk.
package audio

import (
	"os"
	"path/filepath"
)

// ResolveClip finds a clip given an operator-supplied reference, which may
// be an absolute path, a path relative to the artifact dir or drop dir, or
// a bare filename.
// Priority: 1) absolute path  2) artifactDir/ref  3) dropDir/ref
// 4) basename under artifactDir
func ResolveClip(artifactDir, dropDir, ref string) string {
	if ref == "" {
		return ""
	}

	if filepath.IsAbs(ref) {
		if _, err := os.Stat(ref); err == nil {
			return ref
		}
		// An absolute path from another machine still names the file.
		ref = filepath.Base(ref)
	}

	if artifactDir != "" {
		full := filepath.Join(artifactDir, ref)
		if _, err := os.Stat(full); err == nil {
			return full
		}
	}

	if dropDir != "" {
		full := filepath.Join(dropDir, ref)
		if _, err := os.Stat(full); err == nil {
			return full
		}
	}

	if artifactDir != "" && filepath.Base(ref) != ref {
		full := filepath.Join(artifactDir, filepath.Base(ref))
		if _, err := os.Stat(full); err == nil {
			return full
		}
	}

	return ""
}
