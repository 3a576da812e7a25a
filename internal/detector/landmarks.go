// Package detector provides pose detection interfaces and types.
package detector

import "time"

// Pose landmark indices following the MediaPipe convention.
// See: https://developers.google.com/mediapipe/solutions/vision/pose_landmarker
const (
	Nose           = 0
	LeftEyeInner   = 1
	LeftEye        = 2
	LeftEyeOuter   = 3
	RightEyeInner  = 4
	RightEye       = 5
	RightEyeOuter  = 6
	LeftEar        = 7
	RightEar       = 8
	MouthLeft      = 9
	MouthRight     = 10
	LeftShoulder   = 11
	RightShoulder  = 12
	LeftElbow      = 13
	RightElbow     = 14
	LeftWrist      = 15
	RightWrist     = 16
	LeftPinky      = 17
	RightPinky     = 18
	LeftIndex      = 19
	RightIndex     = 20
	LeftThumb      = 21
	RightThumb     = 22
	LeftHip        = 23
	RightHip       = 24
	LeftKnee       = 25
	RightKnee      = 26
	LeftAnkle      = 27
	RightAnkle     = 28
	LeftHeel       = 29
	RightHeel      = 30
	LeftFootIndex  = 31
	RightFootIndex = 32
	NumLandmarks   = 33
)

var landmarkNames = [NumLandmarks]string{
	"nose", "left_eye_inner", "left_eye", "left_eye_outer",
	"right_eye_inner", "right_eye", "right_eye_outer",
	"left_ear", "right_ear", "mouth_left", "mouth_right",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_pinky", "right_pinky",
	"left_index", "right_index", "left_thumb", "right_thumb",
	"left_hip", "right_hip", "left_knee", "right_knee",
	"left_ankle", "right_ankle", "left_heel", "right_heel",
	"left_foot_index", "right_foot_index",
}

// LandmarkName returns the snake_case name of landmark i, or "" if out of range.
func LandmarkName(i int) string {
	if i < 0 || i >= NumLandmarks {
		return ""
	}
	return landmarkNames[i]
}

// Connection is a skeleton edge between two landmark indices.
type Connection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Connections lists the skeleton edges of the pose model.
var Connections = []Connection{
	{Nose, LeftEyeInner}, {LeftEyeInner, LeftEye}, {LeftEye, LeftEyeOuter}, {LeftEyeOuter, LeftEar},
	{Nose, RightEyeInner}, {RightEyeInner, RightEye}, {RightEye, RightEyeOuter}, {RightEyeOuter, RightEar},
	{MouthLeft, MouthRight},
	{LeftShoulder, RightShoulder},
	{LeftShoulder, LeftElbow}, {LeftElbow, LeftWrist},
	{LeftWrist, LeftPinky}, {LeftWrist, LeftIndex}, {LeftWrist, LeftThumb}, {LeftPinky, LeftIndex},
	{RightShoulder, RightElbow}, {RightElbow, RightWrist},
	{RightWrist, RightPinky}, {RightWrist, RightIndex}, {RightWrist, RightThumb}, {RightPinky, RightIndex},
	{LeftShoulder, LeftHip}, {RightShoulder, RightHip}, {LeftHip, RightHip},
	{LeftHip, LeftKnee}, {LeftKnee, LeftAnkle}, {LeftAnkle, LeftHeel}, {LeftHeel, LeftFootIndex}, {LeftAnkle, LeftFootIndex},
	{RightHip, RightKnee}, {RightKnee, RightAnkle}, {RightAnkle, RightHeel}, {RightHeel, RightFootIndex}, {RightAnkle, RightFootIndex},
}

// Landmark is one pose keypoint. For image landmarks X and Y are normalized
// to [0,1] by the source image size; for world landmarks they are meters
// relative to the hip center.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
	Presence   float64 `json:"presence"`
}

// Mask is a per-pixel segmentation confidence map in row-major order.
type Mask struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Data   []float32 `json:"data"`
}

// Result is the output of one detection. It must not be modified once
// handed to the event channel.
type Result struct {
	Timestamp         time.Time     `json:"timestamp"`
	InferenceTime     time.Duration `json:"inferenceTime"`
	InputWidth        int           `json:"inputImageWidth"`
	InputHeight       int           `json:"inputImageHeight"`
	Landmarks         [][]Landmark  `json:"landmarks"`
	WorldLandmarks    [][]Landmark  `json:"worldLandmarks"`
	SegmentationMasks []Mask        `json:"segmentationMasks,omitempty"`
}

// NumPoses returns the number of detected poses.
func (r *Result) NumPoses() int {
	if r == nil {
		return 0
	}
	return len(r.Landmarks)
}
