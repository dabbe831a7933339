package extractor

import (
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Decoder hands out the decoded picture for a playback position.
type Decoder interface {
	FrameAt(pos time.Duration) (image.Image, error)
	Duration() time.Duration
	Close() error
}

// Sequence is a Decoder over a directory of extracted JPEG frames taken at a
// fixed rate. Frames are decoded lazily and the last decoded one is kept.
type Sequence struct {
	frames []string
	fps    int

	mu      sync.Mutex
	lastIdx int
	last    image.Image
}

// OpenSequence lists the JPEG frames in dir, sorted by name.
func OpenSequence(dir string, fps int) (*Sequence, error) {
	if fps <= 0 {
		return nil, errors.Errorf("invalid frame rate %d", fps)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read frames directory '%s'", dir)
	}

	var frames []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(strings.ToLower(file.Name()), ".jpg") {
			frames = append(frames, filepath.Join(dir, file.Name()))
		}
	}
	if len(frames) == 0 {
		return nil, errors.Errorf("no JPEG frames found in directory '%s'", dir)
	}
	sort.Strings(frames)

	return &Sequence{frames: frames, fps: fps, lastIdx: -1}, nil
}

// Len returns the number of frames in the sequence.
func (s *Sequence) Len() int {
	return len(s.frames)
}

// Duration is the playback length of the sequence.
func (s *Sequence) Duration() time.Duration {
	return time.Duration(len(s.frames)) * time.Second / time.Duration(s.fps)
}

// FrameAt decodes the frame shown at pos, clamped to the sequence bounds.
func (s *Sequence) FrameAt(pos time.Duration) (image.Image, error) {
	idx := int(pos * time.Duration(s.fps) / time.Second)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.frames) {
		idx = len(s.frames) - 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx == s.lastIdx {
		return s.last, nil
	}
	img, err := imaging.Open(s.frames[idx])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode frame %s", s.frames[idx])
	}
	s.lastIdx, s.last = idx, img
	return img, nil
}

// Close drops the cached frame.
func (s *Sequence) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = nil
	s.lastIdx = -1
	return nil
}
