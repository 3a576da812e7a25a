package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/logger"
)

// VideoFrame is the detection for one sampled video frame.
type VideoFrame struct {
	Index  int              `json:"index"`
	Offset time.Duration    `json:"offset"`
	Result *detector.Result `json:"result"`
}

// VideoResult is the outcome of DetectOnVideo.
type VideoResult struct {
	FPS        float64      `json:"fps"`
	FrameCount int          `json:"frameCount"`
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	Frames     []VideoFrame `json:"frames"`
}

// DetectOnImage decodes the image at path, honoring EXIF orientation, and
// runs a throwaway image-mode detector on it. The detector is never visible
// in the registry.
func (p *Pipeline) DetectOnImage(ctx context.Context, path string, cfg detector.Config) (*detector.Result, error) {
	cfg.RunningMode = detector.ModeImage
	det, err := p.newOneShot(cfg)
	if err != nil {
		return nil, err
	}
	defer det.Close()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, detector.NewError(detector.CodeDecode, "Failed to load image.", err)
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, detector.NewError(detector.CodeDecode, "Failed to convert image.", err)
	}
	defer mat.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := p.detectOnce(det, &mat, func(time.Duration, bool) {})
	if err != nil {
		p.log.Warn(ctx, "image detection failed", logger.String("path", path), logger.Error(err))
		return nil, err
	}
	return result, nil
}

// DetectOnVideo decodes the video at path and runs a throwaway video-mode
// detector on frames spaced at least interval apart by presentation time.
// A non-positive interval samples every frame.
func (p *Pipeline) DetectOnVideo(ctx context.Context, path string, cfg detector.Config, interval time.Duration) (*VideoResult, error) {
	cfg.RunningMode = detector.ModeVideo
	det, err := p.newOneShot(cfg)
	if err != nil {
		return nil, err
	}
	defer det.Close()

	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, detector.NewError(detector.CodeDecode, "Failed to open video.", err)
	}
	defer vc.Close()

	out := &VideoResult{
		FPS:    vc.Get(gocv.VideoCaptureFPS),
		Width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
	}
	fps := out.FPS
	if fps <= 0 {
		fps = 30
	}

	frame := gocv.NewMat()
	defer frame.Close()

	var next time.Duration
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ok := vc.Read(&frame); !ok || frame.Empty() {
			break
		}
		out.FrameCount++

		offset := time.Duration(float64(idx) / fps * float64(time.Second))
		if interval > 0 && offset < next {
			continue
		}
		next = offset + interval

		result, err := p.detectOnce(det, &frame, func(time.Duration, bool) {})
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", idx, err)
		}
		out.Frames = append(out.Frames, VideoFrame{Index: idx, Offset: offset, Result: result})
	}

	if out.FrameCount == 0 {
		return nil, detector.NewError(detector.CodeDecode, "Failed to decode video frames.", nil)
	}
	p.log.Info(ctx, "video detection finished",
		logger.String("path", path),
		logger.Int("frames", out.FrameCount),
		logger.Int("sampled", len(out.Frames)))
	return out, nil
}

func (p *Pipeline) newOneShot(cfg detector.Config) (detector.Detector, error) {
	det, err := p.factory(cfg)
	if err != nil {
		de := detector.AsError(err)
		if de.Code != detector.CodeInitialization {
			de = detector.NewError(detector.CodeInitialization, "Detector initialization failed.", err)
		}
		return nil, de
	}
	return det, nil
}
