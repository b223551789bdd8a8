// Package collab connects one view to the awareness channel. It
// publishes the local camera, pointer and selection, applies remote
// state to the scene, and implements follow mode.
package collab

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/facet/pkg/awareness"
)

// DefaultInterval bounds how often camera and pointer updates are sent.
const DefaultInterval = 100 * time.Millisecond

// Viewport is the local camera.
type Viewport interface {
	Camera() awareness.Camera
	SetCamera(awareness.Camera)
}

// Scene is the part of the scene reconciler driven by awareness.
type Scene interface {
	Select(awareness.Selection) []string
	SetRemoteSelection(client string, sel awareness.Selection)
	SetPointer(client string, p *awareness.Pointer)
	RemoveClient(client string)
}

type savedView struct {
	camera    awareness.Camera
	selection awareness.Selection
}

// Session is one view's collaboration state. Its emitter id tags the
// selections it publishes, so it can tell its own writes apart from
// those of other views sharing the same client.
type Session struct {
	id    string
	ch    *awareness.Channel
	view  Viewport
	scene Scene
	log   *slog.Logger

	interval time.Duration
	camera   *throttle
	pointer  *throttle

	mu        sync.Mutex
	following string
	saved     *savedView
	unwatch   func()
}

// Option configures a Session.
type Option func(*Session)

// WithInterval sets the camera and pointer throttle interval.
func WithInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithEmitterID overrides the generated emitter id.
func WithEmitterID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithLogger sets the session's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// NewSession starts applying ch's changes to view and scene.
func NewSession(ch *awareness.Channel, view Viewport, scene Scene, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		ch:       ch,
		view:     view,
		scene:    scene,
		log:      slog.Default(),
		interval: DefaultInterval,
	}
	for _, o := range opts {
		o(s)
	}
	s.camera = newThrottle(s.interval)
	s.pointer = newThrottle(s.interval)
	s.unwatch = ch.Watch(s.onChange)
	return s
}

// ID returns the session's emitter id.
func (s *Session) ID() string { return s.id }

// Following returns the followed client, or "".
func (s *Session) Following() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.following
}

// Close stops watching the channel and drops pending publishes.
func (s *Session) Close() {
	s.unwatch()
	s.camera.Stop()
	s.pointer.Stop()
}

// ----------------------------------------------------------------------------
// Local changes
// ----------------------------------------------------------------------------

// Publish sends a local change of field. Camera and pointer changes are
// throttled.
func (s *Session) Publish(field awareness.Field, value any) error {
	switch field {
	case awareness.FieldCamera:
		cam, ok := value.(awareness.Camera)
		if !ok {
			return fmt.Errorf("collab: %s wants awareness.Camera, got %T", field, value)
		}
		s.CameraMoved(cam)
	case awareness.FieldPointer:
		p, ok := value.(*awareness.Pointer)
		if !ok {
			return fmt.Errorf("collab: %s wants *awareness.Pointer, got %T", field, value)
		}
		s.PointerMoved(p)
	case awareness.FieldSelection:
		sel, ok := value.(awareness.Selection)
		if !ok {
			return fmt.Errorf("collab: %s wants awareness.Selection, got %T", field, value)
		}
		return s.Select(sel)
	case awareness.FieldFollowTarget:
		client, ok := value.(string)
		if !ok {
			return fmt.Errorf("collab: %s wants string, got %T", field, value)
		}
		return s.Follow(client)
	case awareness.FieldFocusedField:
		f, ok := value.(*awareness.FocusedField)
		if !ok {
			return fmt.Errorf("collab: %s wants *awareness.FocusedField, got %T", field, value)
		}
		return s.ch.SetFocusedField(f)
	case awareness.FieldUser:
		u, ok := value.(awareness.User)
		if !ok {
			return fmt.Errorf("collab: %s wants awareness.User, got %T", field, value)
		}
		return s.ch.SetUser(u)
	default:
		return fmt.Errorf("collab: unknown field %q", field)
	}
	return nil
}

// CameraMoved publishes the local camera. While following, the camera
// is driven by the leader and nothing is published.
func (s *Session) CameraMoved(cam awareness.Camera) {
	if s.Following() != "" {
		return
	}
	s.camera.Do(func() {
		if s.Following() != "" {
			return
		}
		if err := s.ch.SetCamera(cam); err != nil {
			s.log.Warn("collab: publish camera", slog.String("error", err.Error()))
		}
	})
}

// PointerMoved publishes the local pointer. Nil clears it.
func (s *Session) PointerMoved(p *awareness.Pointer) {
	s.pointer.Do(func() {
		if err := s.ch.SetPointer(p); err != nil {
			s.log.Warn("collab: publish pointer", slog.String("error", err.Error()))
		}
	})
}

// Select highlights sel locally and publishes it under this session's
// emitter id.
func (s *Session) Select(sel awareness.Selection) error {
	s.scene.Select(sel)
	return s.ch.SetSelection(sel, s.id)
}

// Follow makes the view track client's camera and selection. The local
// camera and selection are saved first and restored by Unfollow.
func (s *Session) Follow(client string) error {
	if client == "" {
		return s.Unfollow()
	}
	s.mu.Lock()
	fresh := s.saved == nil
	if fresh {
		s.saved = &savedView{
			camera:    s.view.Camera(),
			selection: maps.Clone(s.ch.Local().Selection.Value),
		}
	}
	s.mu.Unlock()

	if err := s.ch.SetFollowTarget(client); err != nil {
		if fresh {
			s.mu.Lock()
			s.saved = nil
			s.mu.Unlock()
		}
		return err
	}

	s.mu.Lock()
	s.following = client
	s.mu.Unlock()

	if st, ok := s.ch.State(client); ok {
		if st.Camera.Value != nil {
			s.view.SetCamera(*st.Camera.Value)
		}
		s.scene.Select(st.Selection.Value)
	}
	s.log.Debug("collab: following", slog.String("client", client))
	return nil
}

// Unfollow stops following and restores the camera and selection saved
// when following began.
func (s *Session) Unfollow() error {
	s.mu.Lock()
	if s.following == "" {
		s.mu.Unlock()
		return nil
	}
	saved := s.saved
	s.following = ""
	s.saved = nil
	s.mu.Unlock()

	err := s.ch.SetFollowTarget("")
	if saved != nil {
		s.view.SetCamera(saved.camera)
		s.scene.Select(saved.selection)
	}
	return err
}

// ----------------------------------------------------------------------------
// Remote changes
// ----------------------------------------------------------------------------

func (s *Session) onChange(ev awareness.Event) {
	s.mu.Lock()
	following := s.following
	s.mu.Unlock()

	if ev.Removed {
		s.scene.RemoveClient(ev.Client)
		if ev.Client == following {
			if err := s.Unfollow(); err != nil && !errors.Is(err, awareness.ErrUnknownClient) {
				s.log.Warn("collab: unfollow departed client", slog.String("error", err.Error()))
			}
		}
		return
	}

	if ev.Client == s.ch.Self() {
		// Another view of this client changed the shared selection.
		if ev.Field == awareness.FieldSelection && ev.State.Selection.Emitter != s.id && following == "" {
			s.scene.Select(ev.State.Selection.Value)
		}
		return
	}

	switch ev.Field {
	case awareness.FieldCamera:
		if ev.Client == following && ev.State.Camera.Value != nil {
			s.view.SetCamera(*ev.State.Camera.Value)
		}
	case awareness.FieldSelection:
		if ev.State.Selection.Emitter == s.id {
			return
		}
		if ev.Client == following {
			s.scene.Select(ev.State.Selection.Value)
		}
		s.scene.SetRemoteSelection(ev.Client, ev.State.Selection.Value)
	case awareness.FieldPointer:
		s.scene.SetPointer(ev.Client, ev.State.Pointer.Value)
	}
}
