package dj

import (
	"bytes"
	"fmt"
	"os"

	"github.com/snarg/airwave/internal/provider"
)

// ValidateAudio checks that path holds a plausible audio clip: it exists,
// meets the size floor and starts with a known container signature
// (MP3 frame sync, ID3, RIFF/WAV or Ogg). Failures wrap
// provider.ErrQualityReject so the registry tries the next synth tier.
func ValidateAudio(path string, minBytes int64) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrQualityReject, err)
	}
	if fi.Size() < minBytes {
		return fmt.Errorf("%w: %d bytes, need at least %d", provider.ErrQualityReject, fi.Size(), minBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrQualityReject, err)
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := f.Read(head); err != nil {
		return fmt.Errorf("%w: read header: %v", provider.ErrQualityReject, err)
	}

	switch {
	case bytes.HasPrefix(head, []byte("ID3")):
	case bytes.HasPrefix(head, []byte("RIFF")):
	case bytes.HasPrefix(head, []byte("OggS")):
	case head[0] == 0xFF && head[1]&0xE0 == 0xE0: // bare MPEG frame
	default:
		return fmt.Errorf("%w: unrecognized container %x", provider.ErrQualityReject, head)
	}
	return nil
}
