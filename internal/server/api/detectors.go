package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"gocv.io/x/gocv"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/pipeline"
	"github.com/ayusman/posekit/internal/session"
	"github.com/ayusman/posekit/internal/transform"
)

// MaxFrameBytes bounds uploaded frame bodies.
const MaxFrameBytes = 16 << 20

// DetectorHandler handles HTTP requests for detector sessions.
type DetectorHandler struct {
	registry *session.Registry
	pipeline *pipeline.Pipeline
	view     transform.Params
}

// NewDetectorHandler creates a handler. view holds the parameters every new
// session starts with before a consumer reports its own.
func NewDetectorHandler(reg *session.Registry, p *pipeline.Pipeline, view transform.Params) *DetectorHandler {
	return &DetectorHandler{registry: reg, pipeline: p, view: view}
}

// Register adds the detector routes to r.
func (h *DetectorHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/detectors", h.list).Methods(http.MethodGet)
	r.HandleFunc("/api/detectors", h.create).Methods(http.MethodPost)
	r.HandleFunc("/api/detectors", h.releaseAll).Methods(http.MethodDelete)
	r.HandleFunc("/api/detectors/{handle:[0-9]+}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/api/detectors/{handle:[0-9]+}", h.release).Methods(http.MethodDelete)
	r.HandleFunc("/api/detectors/{handle:[0-9]+}/view", h.updateView).Methods(http.MethodPut)
	r.HandleFunc("/api/detectors/{handle:[0-9]+}/frames", h.frame).Methods(http.MethodPost)
}

// Request and response types

type createDetectorRequest struct {
	detector.Config
	View *viewRequest `json:"view,omitempty"`
	// TargetFPS caps admitted live-stream frames for this session. Zero
	// keeps the server-wide throttle interval.
	TargetFPS float64 `json:"targetFps,omitempty"`
}

type viewRequest struct {
	Width                   *float64 `json:"width,omitempty"`
	Height                  *float64 `json:"height,omitempty"`
	Fill                    *string  `json:"fill,omitempty"`
	Mirror                  *bool    `json:"mirror,omitempty"`
	OutputOrientation       *string  `json:"outputOrientation,omitempty"`
	ForcedFrameOrientation  *string  `json:"forcedFrameOrientation,omitempty"`
	ForcedOutputOrientation *string  `json:"forcedOutputOrientation,omitempty"`
}

type viewResponse struct {
	Width             float64               `json:"width"`
	Height            float64               `json:"height"`
	SourceWidth       float64               `json:"sourceWidth"`
	SourceHeight      float64               `json:"sourceHeight"`
	Fill              transform.FillMode    `json:"fill"`
	Mirror            bool                  `json:"mirror"`
	FrameOrientation  transform.Orientation `json:"frameOrientation"`
	OutputOrientation transform.Orientation `json:"outputOrientation"`
	Rotation          int                   `json:"rotation"`
}

type detectorResponse struct {
	Handle        session.Handle  `json:"handle"`
	ID            string          `json:"id"`
	Config        detector.Config `json:"config"`
	CreatedAt     string          `json:"createdAt"`
	Busy          bool            `json:"busy"`
	MinIntervalMS int64           `json:"minIntervalMs"`
	Stats         session.Stats   `json:"stats"`
	View          viewResponse    `json:"view"`
}

type listDetectorsResponse struct {
	Detectors []detectorResponse `json:"detectors"`
}

type releaseResponse struct {
	Released bool `json:"released"`
}

type releaseAllResponse struct {
	Released int `json:"released"`
}

type viewUpdateResponse struct {
	Rebuilt bool         `json:"rebuilt"`
	View    viewResponse `json:"view"`
}

type frameResponse struct {
	Accepted bool `json:"accepted"`
}

func toViewResponse(c transform.Context) viewResponse {
	p := c.Params()
	return viewResponse{
		Width:             p.ViewWidth,
		Height:            p.ViewHeight,
		SourceWidth:       p.SourceWidth,
		SourceHeight:      p.SourceHeight,
		Fill:              c.Fill(),
		Mirror:            c.Mirrored(),
		FrameOrientation:  p.EffectiveFrameOrientation(),
		OutputOrientation: p.EffectiveOutputOrientation(),
		Rotation:          c.Rotation(),
	}
}

func toDetectorResponse(s *session.Session) detectorResponse {
	return detectorResponse{
		Handle:        s.Handle(),
		ID:            s.ID().String(),
		Config:        s.Config(),
		CreatedAt:     s.CreatedAt().Format(time.RFC3339),
		Busy:          s.Busy(),
		MinIntervalMS: s.MinInterval().Milliseconds(),
		Stats:         s.Stats(),
		View:          toViewResponse(s.View()),
	}
}

// apply copies the set fields of v into p.
func (v *viewRequest) apply(p *transform.Params) error {
	if v.Width != nil {
		p.ViewWidth = *v.Width
	}
	if v.Height != nil {
		p.ViewHeight = *v.Height
	}
	if v.Mirror != nil {
		p.Mirror = *v.Mirror
	}
	if v.Fill != nil {
		fill, err := transform.ParseFillMode(*v.Fill)
		if err != nil {
			return err
		}
		p.Fill = fill
	}
	orientations := []struct {
		in  *string
		out *transform.Orientation
	}{
		{v.OutputOrientation, &p.OutputOrientation},
		{v.ForcedFrameOrientation, &p.ForcedFrameOrientation},
		{v.ForcedOutputOrientation, &p.ForcedOutputOrientation},
	}
	for _, o := range orientations {
		if o.in == nil {
			continue
		}
		parsed, err := transform.ParseOrientation(*o.in)
		if err != nil {
			return err
		}
		*o.out = parsed
	}
	return nil
}

// list handles GET /api/detectors and returns all live sessions.
func (h *DetectorHandler) list(w http.ResponseWriter, r *http.Request) {
	response := listDetectorsResponse{Detectors: []detectorResponse{}}
	for _, handle := range h.registry.Handles() {
		s, err := h.registry.Lookup(handle)
		if err != nil {
			continue
		}
		response.Detectors = append(response.Detectors, toDetectorResponse(s))
	}
	writeJSON(w, http.StatusOK, response)
}

// create handles POST /api/detectors. Omitted config fields take their
// default values.
func (h *DetectorHandler) create(w http.ResponseWriter, r *http.Request) {
	req := createDetectorRequest{Config: detector.DefaultConfig()}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if req.TargetFPS < 0 {
		writeError(w, http.StatusBadRequest, "targetFps must not be negative")
		return
	}

	params := h.view
	if req.View != nil {
		if err := req.View.apply(&params); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	handle, err := h.registry.Create(req.Config, session.TargetFPS(req.TargetFPS))
	if err != nil {
		writeDetectorError(w, err)
		return
	}
	s, err := h.registry.Lookup(handle)
	if err != nil {
		writeDetectorError(w, err)
		return
	}
	s.UpdateView(func(p *transform.Params) {
		src := *p
		*p = params
		p.SourceWidth, p.SourceHeight = src.SourceWidth, src.SourceHeight
		p.FrameOrientation = src.FrameOrientation
	})

	writeJSON(w, http.StatusCreated, toDetectorResponse(s))
}

// get handles GET /api/detectors/{handle}.
func (h *DetectorHandler) get(w http.ResponseWriter, r *http.Request) {
	handle, ok := handleVar(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid handle")
		return
	}
	s, err := h.registry.Lookup(handle)
	if err != nil {
		writeDetectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetectorResponse(s))
}

// release handles DELETE /api/detectors/{handle}. Releasing an unknown or
// already released handle reports false.
func (h *DetectorHandler) release(w http.ResponseWriter, r *http.Request) {
	handle, ok := handleVar(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid handle")
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{Released: h.registry.Release(handle)})
}

// releaseAll handles DELETE /api/detectors.
func (h *DetectorHandler) releaseAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, releaseAllResponse{Released: h.registry.ReleaseAll()})
}

// updateView handles PUT /api/detectors/{handle}/view.
func (h *DetectorHandler) updateView(w http.ResponseWriter, r *http.Request) {
	handle, ok := handleVar(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid handle")
		return
	}
	s, err := h.registry.Lookup(handle)
	if err != nil {
		writeDetectorError(w, err)
		return
	}

	var req viewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	// Validate on a scratch copy so a bad field changes nothing.
	scratch := s.View().Params()
	if err := req.apply(&scratch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rebuilt := s.UpdateView(func(p *transform.Params) { _ = req.apply(p) })
	writeJSON(w, http.StatusOK, viewUpdateResponse{Rebuilt: rebuilt, View: toViewResponse(s.View())})
}

// frame handles POST /api/detectors/{handle}/frames. The body is an encoded
// image. Live-stream sessions take it through the gated pipeline and answer
// 202; image and video sessions detect synchronously.
func (h *DetectorHandler) frame(w http.ResponseWriter, r *http.Request) {
	handle, ok := handleVar(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid handle")
		return
	}
	s, err := h.registry.Lookup(handle)
	if err != nil {
		writeDetectorError(w, err)
		return
	}

	orientation, err := transform.ParseOrientation(r.URL.Query().Get("orientation"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxFrameBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Frame too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil || mat.Empty() {
		if err == nil {
			mat.Close()
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Failed to decode frame", Code: detector.CodeDecode})
		return
	}
	defer mat.Close()

	if s.Config().RunningMode == detector.ModeLiveStream {
		if !h.pipeline.Submit(handle, &mat, orientation) {
			writeError(w, http.StatusNotFound, "Detector not found")
			return
		}
		writeJSON(w, http.StatusAccepted, frameResponse{Accepted: true})
		return
	}

	result, err := h.pipeline.DetectFrame(handle, &mat)
	if err != nil {
		writeDetectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
