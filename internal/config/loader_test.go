package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/ayusman/posekit/internal/config"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		convey.Convey("When loading config with defaults only", func() {
			clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.ThrottleInterval(), convey.ShouldEqual, 66*time.Millisecond)
				convey.So(cfg.EventBuffer, convey.ShouldEqual, 16)
				convey.So(cfg.CameraEnabled, convey.ShouldBeFalse)
				convey.So(cfg.MirrorMode, convey.ShouldEqual, "mirror-front-only")
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("POSEKIT_ADDR", ":9000")
			_ = os.Setenv("POSEKIT_THROTTLE_INTERVAL_MS", "100")
			_ = os.Setenv("POSEKIT_CAMERA_ENABLED", "true")
			_ = os.Setenv("POSEKIT_VIEW_FILL", "contain")
			defer clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9000")
				convey.So(cfg.ThrottleIntervalMS, convey.ShouldEqual, 100)
				convey.So(cfg.CameraEnabled, convey.ShouldBeTrue)
				convey.So(cfg.ViewFill, convey.ShouldEqual, "contain")
			})
		})

		convey.Convey("When loading config with both file and environment variables", func() {
			yamlContent := `
addr: ":9090"
event_buffer: 64
camera_model: "yolo26n-pose.onnx"
camera_delegate: "CPU"
`
			tmpFile := createTempConfigFile(t, yamlContent)
			_ = os.Setenv("POSEKIT_CONFIG", tmpFile)
			_ = os.Setenv("POSEKIT_ADDR", ":8081")
			defer clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8081")
				convey.So(cfg.EventBuffer, convey.ShouldEqual, 64)
				convey.So(cfg.CameraModel, convey.ShouldEqual, "yolo26n-pose.onnx")
				convey.So(cfg.CameraDelegate, convey.ShouldEqual, "CPU")
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile(t, `invalid: yaml: content: [`)
			_ = os.Setenv("POSEKIT_CONFIG", tmpFile)
			defer clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then it should return a load error", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When a value fails validation", func() {
			_ = os.Setenv("POSEKIT_THROTTLE_INTERVAL_MS", "0")
			defer clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then it should return an invalid config error", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When an enumeration is unknown", func() {
			_ = os.Setenv("POSEKIT_MIRROR_MODE", "sometimes")
			defer clearConfigEnvVars()

			_, err := config.Load()

			convey.Convey("Then the field is named in the error", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(strings.Contains(err.Error(), "mirror_mode"), convey.ShouldBeTrue)
			})
		})
	})
}

func createTempConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "posekit.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearConfigEnvVars() {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, config.EnvPrefix) {
			_ = os.Unsetenv(strings.SplitN(kv, "=", 2)[0])
		}
	}
}
