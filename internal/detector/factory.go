package detector

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ayusman/posekit/internal/logger"
)

// Backends holds what NewFactory needs to locate models and runtimes.
type Backends struct {
	// ModelDir resolves relative model names.
	ModelDir string

	// MediaPipeScript and PythonPath override the pose service lookup.
	MediaPipeScript string
	PythonPath      string

	// ONNXLibrary is the onnxruntime shared library path.
	ONNXLibrary string

	// Logger receives pose service output. Nil discards it.
	Logger logger.Logger
}

// NewFactory returns a Factory that validates the config, resolves the model
// file and picks a backend by extension: .onnx models run in-process on ONNX
// Runtime, anything else (.task) runs in the MediaPipe pose service, which must
// start and load the model before the detector is returned.
func NewFactory(b Backends) Factory {
	return func(cfg Config) (Detector, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		path, err := b.resolveModel(cfg.Model)
		if err != nil {
			return nil, err
		}

		if strings.EqualFold(filepath.Ext(path), ".onnx") {
			if err := InitONNXRuntime(b.ONNXLibrary); err != nil {
				return nil, NewError(CodeInitialization, "ONNX Runtime unavailable.", err)
			}
			return NewONNXDetector(cfg, path)
		}
		return NewMediaPipeDetector(cfg, path, b.MediaPipeScript, b.PythonPath, b.Logger)
	}
}

func (b Backends) resolveModel(model string) (string, error) {
	candidates := []string{model}
	if !filepath.IsAbs(model) && b.ModelDir != "" {
		candidates = append(candidates, filepath.Join(b.ModelDir, model))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", NewError(CodeInitialization, "Model file not found.", os.ErrNotExist)
}
