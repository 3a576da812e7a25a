package capture

import (
	"errors"
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"
)

func TestNewCamera_Defaults(t *testing.T) {
	cams := map[string]Camera{
		"device":      NewCamera(0),
		"device 2":    NewCamera(2),
		"video file":  NewVideoFile("clip.avi"),
		"with loop":   NewVideoFile("clip.avi", WithLoop(true)),
		"resolution":  NewCamera(0, WithResolution(1280, 720)),
		"invalid res": NewCamera(0, WithResolution(-1, 0)),
	}
	for name, cam := range cams {
		t.Run(name, func(t *testing.T) {
			if got := cam.FPS(); got != DefaultFPS {
				t.Errorf("FPS() = %d, want %d", got, DefaultFPS)
			}
			if cam.IsOpen() {
				t.Error("camera should not be open before Open")
			}
			if _, err := cam.ReadFrame(); !errors.Is(err, ErrCameraNotOpen) {
				t.Errorf("ReadFrame() error = %v, want ErrCameraNotOpen", err)
			}
			if err := cam.Close(); err != nil {
				t.Errorf("Close() before Open = %v, want nil", err)
			}
		})
	}
}

func TestCamera_SetFPS(t *testing.T) {
	cam := NewCamera(0, WithFPS(12))
	if got := cam.FPS(); got != 12 {
		t.Fatalf("FPS() = %d, want 12 from WithFPS", got)
	}

	steps := []struct {
		set, want int
	}{
		{10, 10},
		{1, 1},
		{0, 1},
		{-5, 1},
		{60, 60},
	}
	for _, st := range steps {
		cam.SetFPS(st.set)
		if got := cam.FPS(); got != st.want {
			t.Errorf("after SetFPS(%d): FPS() = %d, want %d", st.set, got, st.want)
		}
	}
}

func TestVideoFile_MissingFile(t *testing.T) {
	cam := NewVideoFile(filepath.Join(t.TempDir(), "missing.avi"))
	if err := cam.Open(); err == nil {
		cam.Close()
		t.Fatal("Open() on a missing file should fail")
	}
	if cam.IsOpen() {
		t.Error("camera should not be open after a failed Open")
	}
}

// writeClip records n solid frames to an MJPG file, skipping the test when
// the local OpenCV build cannot encode video.
func writeClip(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.avi")
	w, err := gocv.VideoWriterFile(path, "MJPG", 10, 64, 48, true)
	if err != nil || !w.IsOpened() {
		t.Skipf("video encoding unavailable: %v", err)
	}
	for i := 0; i < n; i++ {
		m := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
		m.SetTo(gocv.NewScalar(float64(i*20), 80, 160, 0))
		if err := w.Write(m); err != nil {
			m.Close()
			w.Close()
			t.Fatalf("write frame %d: %v", i, err)
		}
		m.Close()
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return path
}

func readAll(t *testing.T, cam Camera, limit int) (int, error) {
	t.Helper()
	for n := 0; n < limit; n++ {
		frame, err := cam.ReadFrame()
		if err != nil {
			return n, err
		}
		frame.Close()
	}
	return limit, nil
}

func TestVideoFile_Playback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping video file test in short mode")
	}
	path := writeClip(t, 5)

	t.Run("end of stream", func(t *testing.T) {
		cam := NewVideoFile(path)
		if err := cam.Open(); err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer cam.Close()

		n, err := readAll(t, cam, 100)
		if !errors.Is(err, ErrEndOfStream) {
			t.Fatalf("after %d frames: err = %v, want ErrEndOfStream", n, err)
		}
		if n != 5 {
			t.Errorf("read %d frames, want 5", n)
		}
	})

	t.Run("loop", func(t *testing.T) {
		cam := NewVideoFile(path, WithLoop(true))
		if err := cam.Open(); err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer cam.Close()

		if n, err := readAll(t, cam, 12); err != nil {
			t.Fatalf("looping read stopped after %d frames: %v", n, err)
		}
	})
}

func TestCamera_Device_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cam := NewCamera(0)
	if err := cam.Open(); err != nil {
		t.Skipf("camera not available: %v", err)
	}
	if !cam.IsOpen() {
		t.Error("IsOpen() = false after Open")
	}
	if err := cam.Open(); err != nil {
		t.Errorf("second Open() = %v, want nil", err)
	}

	frame, err := cam.ReadFrame()
	if err != nil {
		t.Errorf("ReadFrame() error = %v", err)
	} else {
		if frame.Empty() {
			t.Error("ReadFrame() returned an empty frame")
		}
		frame.Close()
	}

	if err := cam.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if cam.IsOpen() {
		t.Error("IsOpen() = true after Close")
	}
}
