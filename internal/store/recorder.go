package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ayusman/posekit/internal/events"
	"github.com/ayusman/posekit/internal/logger"
	"github.com/ayusman/posekit/internal/session"
)

// Recorder journals session lifecycles and detection events. Its methods
// match the registry hooks and the hub tap signatures.
type Recorder struct {
	store *Store
	log   logger.Logger

	mu  sync.Mutex
	ids map[session.Handle]string
}

// NewRecorder creates a recorder writing to s.
func NewRecorder(s *Store, log logger.Logger) *Recorder {
	if log == nil {
		log = logger.Discard()
	}
	return &Recorder{
		store: s,
		log:   log,
		ids:   make(map[session.Handle]string),
	}
}

// SessionCreated stores a new session row.
func (r *Recorder) SessionCreated(s *session.Session) {
	rec := &SessionRecord{
		ID:        s.ID().String(),
		Handle:    int64(s.Handle()),
		Config:    s.Config(),
		CreatedAt: s.CreatedAt(),
	}
	if err := r.store.Sessions().Create(rec); err != nil {
		r.log.Error(context.Background(), "record session", logger.Int64("handle", int64(s.Handle())), logger.Error(err))
		return
	}

	r.mu.Lock()
	r.ids[s.Handle()] = rec.ID
	r.mu.Unlock()
}

// SessionReleased stamps the release time.
func (r *Recorder) SessionReleased(s *session.Session) {
	r.mu.Lock()
	delete(r.ids, s.Handle())
	r.mu.Unlock()

	if err := r.store.Sessions().MarkReleased(s.ID().String(), time.Now()); err != nil {
		r.log.Warn(context.Background(), "record release", logger.Int64("handle", int64(s.Handle())), logger.Error(err))
	}
}

// Record stores one event. Events of sessions not recorded are ignored.
func (r *Recorder) Record(ev events.Event) {
	r.mu.Lock()
	id, ok := r.ids[ev.Handle]
	r.mu.Unlock()
	if !ok {
		return
	}

	rec := &EventRecord{
		SessionID: id,
		Seq:       ev.Seq,
		Kind:      ev.Kind(),
		CreatedAt: ev.At,
	}
	if ev.Err != nil {
		rec.ErrorCode = int(ev.Err.Code)
		rec.ErrorMessage = ev.Err.Message
	} else if ev.Result != nil {
		rec.Poses = ev.Result.NumPoses()
		rec.InferenceMs = float64(ev.Result.InferenceTime) / float64(time.Millisecond)
		if rec.Poses > 0 {
			data, err := json.Marshal(ev.Result.Landmarks)
			if err == nil {
				rec.Landmarks = data
			}
		}
	}

	if err := r.store.Events().Append(rec); err != nil {
		r.log.Error(context.Background(), "record event", logger.Int64("handle", int64(ev.Handle)), logger.Error(err))
	}
}
