package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/posekit/internal/logger"
)

const (
	poseServiceScript = "pose_service.py"
	idleTimeout       = 30 * time.Second
	startTimeout      = 60 * time.Second

	// requestHeaderSize is a big-endian uint32 payload length followed by
	// a big-endian int64 timestamp in milliseconds.
	requestHeaderSize = 12
)

// MediaPipeDetector runs MediaPipe Pose Landmarker in a Python subprocess.
// Frames go to the service as JPEG on stdin and results come back as one
// JSON line each on stdout. The service is started by the constructor and
// must report ready before the detector is handed out. It exits after
// idleTimeout without frames and is restarted by the next Detect.
type MediaPipeDetector struct {
	config     Config
	modelPath  string
	scriptPath string
	pythonPath string
	log        logger.Logger

	mu        sync.Mutex
	svc       *poseService
	closed    bool
	epoch     time.Time
	lastTS    int64
	idleTimer *time.Timer
}

// NewMediaPipeDetector starts the pose service for the model at modelPath
// and waits until it has loaded the model. Empty scriptPath or pythonPath
// select the well-known locations; a nil log discards service output. Any
// startup failure is an initialization error.
func NewMediaPipeDetector(config Config, modelPath, scriptPath, pythonPath string, log logger.Logger) (*MediaPipeDetector, error) {
	if scriptPath == "" {
		scriptPath = findPoseServiceScript()
	}
	if scriptPath == "" {
		return nil, NewError(CodeInitialization, "Pose service not available.", fmt.Errorf("%s not found", poseServiceScript))
	}
	if pythonPath == "" {
		pythonPath = findVenvPython()
	}
	if pythonPath == "" {
		pythonPath = "python3"
	}
	if log == nil {
		log = logger.Discard()
	}

	d := &MediaPipeDetector{
		config:     config,
		modelPath:  modelPath,
		scriptPath: scriptPath,
		pythonPath: pythonPath,
		log:        log,
		epoch:      time.Now(),
		lastTS:     -1,
	}
	svc, err := startPoseService(d.pythonPath, d.args(), d.log, startTimeout)
	if err != nil {
		return nil, NewError(CodeInitialization, "Pose service failed to start.", err)
	}
	d.svc = svc
	d.armIdleTimer()
	return d, nil
}

// Detect sends frame to the pose service and waits for its answer. A
// service that exited while idle is restarted first.
func (d *MediaPipeDetector) Detect(frame *gocv.Mat) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, NewError(CodeInference, "Detector closed.", nil)
	}
	if d.svc == nil {
		svc, err := startPoseService(d.pythonPath, d.args(), d.log, startTimeout)
		if err != nil {
			return nil, NewError(CodeInference, "Pose service failed to restart.", err)
		}
		d.svc = svc
	}

	start := time.Now()
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return nil, NewError(CodeInference, "Frame encoding failed.", err)
	}
	defer buf.Close()

	resp, err := d.svc.roundTrip(d.nextTimestamp(start), buf.GetBytes())
	if err != nil {
		d.stopLocked()
		return nil, NewError(CodeInference, "Pose service communication failed.", err)
	}
	if resp.Error != "" {
		return nil, NewError(CodeInference, resp.Error, nil)
	}

	result := resp.toResult(frame.Cols(), frame.Rows())
	result.InferenceTime = time.Since(start)
	d.armIdleTimer()
	return result, nil
}

// nextTimestamp returns a strictly increasing millisecond timestamp, which
// video and live-stream landmarkers require.
func (d *MediaPipeDetector) nextTimestamp(now time.Time) int64 {
	ts := now.Sub(d.epoch).Milliseconds()
	if ts <= d.lastTS {
		ts = d.lastTS + 1
	}
	d.lastTS = ts
	return ts
}

// Close stops the pose service. Detect fails afterwards.
func (d *MediaPipeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.stopLocked()
}

func (d *MediaPipeDetector) stopLocked() error {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
	if d.svc == nil {
		return nil
	}
	err := d.svc.stop()
	d.svc = nil
	return err
}

func (d *MediaPipeDetector) armIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(idleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if err := d.stopLocked(); err != nil {
			d.log.Debug(context.Background(), "idle pose service exited", logger.Error(err))
		}
	})
}

func (d *MediaPipeDetector) args() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	args := []string{
		d.scriptPath,
		"--model", d.modelPath,
		"--num-poses", strconv.Itoa(d.config.NumPoses),
		"--min-pose-detection-confidence", f(d.config.MinPoseDetectionConfidence),
		"--min-pose-presence-confidence", f(d.config.MinPosePresenceConfidence),
		"--min-tracking-confidence", f(d.config.MinTrackingConfidence),
		"--delegate", string(d.config.Delegate),
		"--running-mode", string(d.config.RunningMode),
	}
	if d.config.OutputSegmentationMasks {
		args = append(args, "--output-segmentation-masks")
	}
	return args
}

// poseService is one running pose service process.
type poseService struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Reader
}

// startPoseService launches the service and waits up to timeout for its
// ready line, which the service writes once the model is loaded.
func startPoseService(python string, args []string, log logger.Logger, timeout time.Duration) (*poseService, error) {
	cmd := exec.Command(python, args...)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pose service: %w", err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Debug(context.Background(), sc.Text(), logger.Int("pid", cmd.Process.Pid))
		}
	}()

	svc := &poseService{cmd: cmd, in: in, out: bufio.NewReader(out)}

	ready := make(chan error, 1)
	go func() { ready <- svc.awaitReady() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err = <-ready:
	case <-timer.C:
		err = fmt.Errorf("pose service not ready after %s", timeout)
	}
	if err != nil {
		svc.kill()
		return nil, err
	}
	return svc, nil
}

func (s *poseService) awaitReady() error {
	resp, err := readResponse(s.out)
	switch {
	case err != nil:
		return err
	case resp.Error != "":
		return errors.New(resp.Error)
	case !resp.Ready:
		return errors.New("pose service answered before reporting ready")
	}
	return nil
}

func (s *poseService) kill() {
	s.in.Close()
	s.cmd.Process.Kill()
	s.cmd.Wait()
}

func (s *poseService) roundTrip(ts int64, jpeg []byte) (*serviceResponse, error) {
	if err := writeRequest(s.in, ts, jpeg); err != nil {
		return nil, err
	}
	return readResponse(s.out)
}

func (s *poseService) stop() error {
	s.in.Close()
	return s.cmd.Wait()
}

// writeRequest frames one JPEG for the pose service.
func writeRequest(w io.Writer, ts int64, jpeg []byte) error {
	var header [requestHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(jpeg)))
	binary.BigEndian.PutUint64(header[4:12], uint64(ts))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(jpeg); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readResponse reads one JSON line from the pose service.
func readResponse(r *bufio.Reader) (*serviceResponse, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp serviceResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

type serviceResponse struct {
	Ready bool          `json:"ready"`
	Poses []servicePose `json:"poses"`
	Masks []Mask        `json:"masks"`
	Error string        `json:"error"`
}

type servicePose struct {
	Landmarks      []Landmark `json:"landmarks"`
	WorldLandmarks []Landmark `json:"world_landmarks"`
}

func (r *serviceResponse) toResult(width, height int) *Result {
	result := &Result{
		InputWidth:        width,
		InputHeight:       height,
		Landmarks:         make([][]Landmark, 0, len(r.Poses)),
		WorldLandmarks:    make([][]Landmark, 0, len(r.Poses)),
		SegmentationMasks: r.Masks,
	}
	for _, p := range r.Poses {
		result.Landmarks = append(result.Landmarks, p.Landmarks)
		result.WorldLandmarks = append(result.WorldLandmarks, p.WorldLandmarks)
	}
	return result
}

func findPoseServiceScript() string {
	var execDir string
	if execPath, err := os.Executable(); err == nil {
		execDir = filepath.Dir(execPath)
	}
	home, _ := os.UserHomeDir()
	return firstExisting([]string{
		filepath.Join("scripts", poseServiceScript),
		filepath.Join("..", "scripts", poseServiceScript),
		filepath.Join(execDir, "scripts", poseServiceScript),
		filepath.Join(home, ".posekit", "scripts", poseServiceScript),
	})
}

// findVenvPython looks for a virtualenv interpreter near the working
// directory, the executable, or under ~/.posekit.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	home, _ := os.UserHomeDir()
	return firstExisting([]string{
		filepath.Join("venv", "bin", "python"),
		filepath.Join("..", "venv", "bin", "python"),
		filepath.Join("..", "..", "venv", "bin", "python"),
		filepath.Join(filepath.Dir(execPath), "venv", "bin", "python"),
		filepath.Join(home, ".posekit", "venv", "bin", "python"),
	})
}

func firstExisting(candidates []string) string {
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
		return path
	}
	return ""
}
