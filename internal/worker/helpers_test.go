package worker

import (
	"context"
	"sync"
	"time"

	"github.com/suever/MATL-Online/internal/domain"
	"github.com/suever/MATL-Online/internal/matl"
)

const testVersion = "20.0.0"

type staticFolders map[string]string

func (s staticFolders) Folder(ctx context.Context, version string) (string, error) {
	folder, ok := s[version]
	if !ok {
		return "", matl.ErrUnknownVersion
	}
	return folder, nil
}

type emitted struct {
	room    string
	name    string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(ctx context.Context, room, name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{room: room, name: name, payload: payload})
	return nil
}

func (r *recordingEmitter) all() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.events...)
}

func (r *recordingEmitter) names() []string {
	var out []string
	for _, e := range r.all() {
		out = append(out, e.name)
	}
	return out
}

func (r *recordingEmitter) completes() []domain.CompletePayload {
	var out []domain.CompletePayload
	for _, e := range r.all() {
		if p, ok := e.payload.(domain.CompletePayload); ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *recordingEmitter) lastStatus() domain.StatusPayload {
	var last domain.StatusPayload
	for _, e := range r.all() {
		if p, ok := e.payload.(domain.StatusPayload); ok {
			last = p
		}
	}
	return last
}

type storedResults struct {
	mu      sync.Mutex
	results map[string]domain.StatusPayload
}

func (s *storedResults) StoreResult(ctx context.Context, jobID string, result domain.StatusPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = make(map[string]domain.StatusPayload)
	}
	s.results[jobID] = result
	return nil
}

func (s *storedResults) AwaitResult(ctx context.Context, jobID string, timeout time.Duration) (domain.StatusPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[jobID], nil
}

func (s *storedResults) get(jobID string) (domain.StatusPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[jobID]
	return r, ok
}

type recordingAcker struct {
	mu  sync.Mutex
	ids []string
}

func (a *recordingAcker) Acknowledge(ctx context.Context, rawID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, rawID)
	return nil
}

func (a *recordingAcker) acked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ids...)
}
