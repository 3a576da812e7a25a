package detector

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"
)

const (
	onnxInputSize  = 640
	onnxMaxObjects = 300
	onnxAttributes = 57 // 4(box) + 1(score) + 1(class) + 17*3(keypoints)
	onnxKeypoints  = 17
)

// cocoToPose maps the 17 COCO keypoints emitted by YOLO pose models onto the
// 33-landmark pose layout. Landmarks without a COCO counterpart are reported
// with zero visibility and presence.
var cocoToPose = [onnxKeypoints]int{
	Nose, LeftEye, RightEye, LeftEar, RightEar,
	LeftShoulder, RightShoulder, LeftElbow, RightElbow, LeftWrist, RightWrist,
	LeftHip, RightHip, LeftKnee, RightKnee, LeftAnkle, RightAnkle,
}

var ortMu sync.Mutex

// InitONNXRuntime loads the ONNX Runtime shared library once per process.
// An empty libPath uses the library's platform default.
func InitONNXRuntime(libPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}

// ONNXDetector implements Detector with an end-to-end YOLO pose model
// (output [1, 300, 57]) executed by ONNX Runtime.
type ONNXDetector struct {
	config  Config
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXDetector creates a session for the model at modelPath. The runtime
// must already be initialized with InitONNXRuntime.
func NewONNXDetector(config Config, modelPath string) (*ONNXDetector, error) {
	if config.OutputSegmentationMasks {
		return nil, NewError(CodeInitialization, "Segmentation masks are not supported by the ONNX backend.", nil)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, NewError(CodeInitialization, "Error creating session options.", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	if config.Delegate == DelegateGPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, NewError(CodeInitialization, "GPU delegate unavailable.", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
			return nil, NewError(CodeInitialization, "GPU delegate unavailable.", err)
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, NewError(CodeInitialization, "GPU delegate unavailable.", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, onnxInputSize, onnxInputSize))
	if err != nil {
		return nil, NewError(CodeInitialization, "Error creating input tensor.", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, onnxMaxObjects, onnxAttributes))
	if err != nil {
		inputTensor.Destroy()
		return nil, NewError(CodeInitialization, "Error creating output tensor.", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, NewError(CodeInitialization, "Error creating session.", err)
	}

	return &ONNXDetector{
		config:  config,
		session: session,
		input:   inputTensor,
		output:  outputTensor,
	}, nil
}

// Detect runs the model on frame.
func (d *ONNXDetector) Detect(frame *gocv.Mat) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		return nil, NewError(CodeInference, "Detector closed.", nil)
	}

	img, err := frame.ToImage()
	if err != nil {
		return nil, NewError(CodeInference, "Frame conversion failed.", err)
	}

	start := time.Now()
	scale := letterbox(img, d.input.GetData())
	if err := d.session.Run(); err != nil {
		return nil, NewError(CodeInference, "Model inference failed.", err)
	}

	b := img.Bounds()
	result := decodePoses(d.output.GetData(), scale, b.Dx(), b.Dy(), d.config)
	result.InferenceTime = time.Since(start)
	return result, nil
}

// Close destroys the session and its tensors.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	return nil
}

// letterbox fits img into the square model input anchored at the top-left,
// writes it to dst in NCHW order and returns the applied scale.
func letterbox(img image.Image, dst []float32) float64 {
	fitted := imaging.Fit(img, onnxInputSize, onnxInputSize, imaging.Linear)
	canvas := imaging.New(onnxInputSize, onnxInputSize, color.NRGBA{R: 114, G: 114, B: 114, A: 255})
	canvas = imaging.Paste(canvas, fitted, image.Pt(0, 0))

	channelSize := onnxInputSize * onnxInputSize
	for i := 0; i < channelSize; i++ {
		px := canvas.Pix[i*4 : i*4+3]
		dst[i] = float32(px[0]) / 255.0
		dst[channelSize+i] = float32(px[1]) / 255.0
		dst[channelSize*2+i] = float32(px[2]) / 255.0
	}

	srcW := img.Bounds().Dx()
	if srcW == 0 {
		return 1
	}
	return float64(fitted.Bounds().Dx()) / float64(srcW)
}

type scoredPose struct {
	score     float32
	landmarks []Landmark
}

// decodePoses converts raw model output into a Result with landmarks
// normalized by the source image size.
func decodePoses(data []float32, scale float64, width, height int, cfg Config) *Result {
	var poses []scoredPose
	for i := 0; i < onnxMaxObjects && (i+1)*onnxAttributes <= len(data); i++ {
		row := data[i*onnxAttributes : (i+1)*onnxAttributes]
		score := row[4]
		if float64(score) < cfg.MinPoseDetectionConfidence {
			continue
		}

		lms := make([]Landmark, NumLandmarks)
		kpts := row[6:]
		for k := 0; k < onnxKeypoints; k++ {
			x := float64(kpts[k*3]) / scale
			y := float64(kpts[k*3+1]) / scale
			conf := float64(kpts[k*3+2])
			if conf < cfg.MinPosePresenceConfidence {
				conf = 0
			}
			lms[cocoToPose[k]] = Landmark{
				X:          x / float64(width),
				Y:          y / float64(height),
				Visibility: conf,
				Presence:   conf,
			}
		}
		poses = append(poses, scoredPose{score: score, landmarks: lms})
	}

	sort.SliceStable(poses, func(i, j int) bool { return poses[i].score > poses[j].score })
	if len(poses) > cfg.NumPoses {
		poses = poses[:cfg.NumPoses]
	}

	result := &Result{
		InputWidth:     width,
		InputHeight:    height,
		Landmarks:      make([][]Landmark, len(poses)),
		WorldLandmarks: make([][]Landmark, len(poses)),
	}
	for i, p := range poses {
		result.Landmarks[i] = p.landmarks
		result.WorldLandmarks[i] = worldFromImage(p.landmarks, width, height)
	}
	return result
}

// worldFromImage approximates world landmarks for models that only emit
// image keypoints: coordinates are recentred on the hip midpoint and
// expressed in units of shoulder-to-hip distance. Z is unknown and left 0.
func worldFromImage(lms []Landmark, width, height int) []Landmark {
	aspect := 1.0
	if height > 0 {
		aspect = float64(width) / float64(height)
	}
	px := func(l Landmark) (float64, float64) { return l.X * aspect, l.Y }

	hx1, hy1 := px(lms[LeftHip])
	hx2, hy2 := px(lms[RightHip])
	sx1, sy1 := px(lms[LeftShoulder])
	sx2, sy2 := px(lms[RightShoulder])
	cx, cy := (hx1+hx2)/2, (hy1+hy2)/2
	tx, ty := (sx1+sx2)/2-cx, (sy1+sy2)/2-cy
	torso := tx*tx + ty*ty
	unit := 1.0
	if torso > 1e-12 {
		unit = 1 / math.Sqrt(torso)
	}

	world := make([]Landmark, len(lms))
	for i, l := range lms {
		x, y := px(l)
		world[i] = Landmark{
			X:          (x - cx) * unit,
			Y:          (y - cy) * unit,
			Visibility: l.Visibility,
			Presence:   l.Presence,
		}
	}
	return world
}
