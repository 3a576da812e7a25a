package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/session"
	"github.com/ayusman/posekit/internal/transform"
)

func TestWriteDetectorError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   detector.Code
	}{
		{name: "not found", err: session.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "wrapped not found", err: fmt.Errorf("lookup: %w", session.ErrNotFound), wantStatus: http.StatusNotFound},
		{name: "busy", err: session.ErrBusy, wantStatus: http.StatusConflict},
		{name: "initialization", err: detector.NewError(detector.CodeInitialization, "Model file not found.", nil), wantStatus: http.StatusUnprocessableEntity, wantCode: detector.CodeInitialization},
		{name: "detection failed", err: detector.NewError(detector.CodeDetectionFailed, "Detection failed.", nil), wantStatus: http.StatusUnprocessableEntity, wantCode: detector.CodeDetectionFailed},
		{name: "decode", err: detector.NewError(detector.CodeDecode, "Failed to load image.", nil), wantStatus: http.StatusBadRequest, wantCode: detector.CodeDecode},
		{name: "not implemented", err: detector.NewError(detector.CodeNotImplemented, "Not implemented.", nil), wantStatus: http.StatusConflict, wantCode: detector.CodeNotImplemented},
		{name: "unclassified", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: detector.CodeInference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDetectorError(rec, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", body.Code, tt.wantCode)
			}
			if body.Error == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestViewRequest_Apply(t *testing.T) {
	width, fill, mirror, forced := 1080.0, "contain", true, "landscape-left"
	req := viewRequest{Width: &width, Fill: &fill, Mirror: &mirror, ForcedFrameOrientation: &forced}

	p := transform.Params{ViewWidth: 640, ViewHeight: 480, Fill: transform.Cover}
	if err := req.apply(&p); err != nil {
		t.Fatalf("apply() error = %v", err)
	}

	want := transform.Params{
		ViewWidth:              1080,
		ViewHeight:             480,
		Fill:                   transform.Contain,
		Mirror:                 true,
		ForcedFrameOrientation: transform.LandscapeLeft,
	}
	if p != want {
		t.Errorf("apply() = %+v, want %+v", p, want)
	}

	bad := "sideways"
	if err := (&viewRequest{OutputOrientation: &bad}).apply(&p); err == nil {
		t.Error("expected error for unknown orientation")
	}
}
