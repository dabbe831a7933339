package models

import (
	"image"
	"time"
)

// Frame is one snapshot taken from the video surface. A Frame is never
// modified after it is handed to the dispatcher.
type Frame struct {
	Image     image.Image
	Width     int
	Height    int
	Timestamp time.Duration // playback position the snapshot was taken at
	Unit      int64
	Archive   bool
}

// TimestampMs returns the playback position of the frame in milliseconds.
func (f *Frame) TimestampMs() int64 {
	return f.Timestamp.Milliseconds()
}

// Landmark is a single detected body keypoint in image coordinates.
type Landmark struct {
	Type              int     `json:"type"`
	X                 float64 `json:"x"`
	Y                 float64 `json:"y"`
	Z                 float64 `json:"z"`
	InFrameLikelihood float64 `json:"likelihood"`
}

// Pose is the result of running the pose detector on one frame
type Pose struct {
	Landmarks []Landmark `json:"landmarks"`
}

// Outcome is delivered exactly once for every frame handed to a processor.
type Outcome struct {
	Frame *Frame
	Pose  *Pose
	Err   error
}

// ClockSample is what the playback clock sampler reports on a unit boundary.
type ClockSample struct {
	PositionMs int64
	Unit       int64
	Archive    bool
}

// ResultRecord represents the persisted result of analyzing an archived frame
type ResultRecord struct {
	TimestampMs int64      `json:"timestamp_ms"`
	Unit        int64      `json:"unit"`
	Landmarks   []Landmark `json:"landmarks"`
	Angles      []float64  `json:"angles,omitempty"`
	Score       *float64   `json:"score,omitempty"`
}
