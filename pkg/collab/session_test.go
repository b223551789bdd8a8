package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/facet/pkg/awareness"
)

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

// bus delivers every update to every channel, including the sender's
// own, the way a relay echoes broadcasts.
type bus struct {
	mu    sync.Mutex
	peers []*awareness.Channel
	sent  map[string][]awareness.Update
}

func newBus() *bus { return &bus{sent: make(map[string][]awareness.Update)} }

type busSender struct {
	b    *bus
	from string
}

func (s busSender) SendAwareness(u awareness.Update) error {
	s.b.mu.Lock()
	s.b.sent[s.from] = append(s.b.sent[s.from], u)
	peers := append([]*awareness.Channel(nil), s.b.peers...)
	s.b.mu.Unlock()
	for _, p := range peers {
		if err := p.Merge(u); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) join(id string) *awareness.Channel {
	ch := awareness.NewChannel(id, awareness.WithSender(busSender{b: b, from: id}))
	b.mu.Lock()
	b.peers = append(b.peers, ch)
	b.mu.Unlock()
	return ch
}

func (b *bus) count(from string, f awareness.Field) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, u := range b.sent[from] {
		if u.Field == f {
			n++
		}
	}
	return n
}

type fakeViewport struct {
	mu    sync.Mutex
	cam   awareness.Camera
	moved func(awareness.Camera)
}

func (v *fakeViewport) Camera() awareness.Camera {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cam
}

// SetCamera fires the camera-changed handler like a real viewport.
func (v *fakeViewport) SetCamera(c awareness.Camera) {
	v.mu.Lock()
	v.cam = c
	moved := v.moved
	v.mu.Unlock()
	if moved != nil {
		moved(c)
	}
}

type fakeScene struct {
	mu       sync.Mutex
	selects  []awareness.Selection
	remote   map[string]awareness.Selection
	pointers map[string]*awareness.Pointer
	removed  []string
}

func newFakeScene() *fakeScene {
	return &fakeScene{remote: map[string]awareness.Selection{}, pointers: map[string]*awareness.Pointer{}}
}

func (s *fakeScene) Select(sel awareness.Selection) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selects = append(s.selects, sel)
	return nil
}

func (s *fakeScene) SetRemoteSelection(client string, sel awareness.Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote[client] = sel
}

func (s *fakeScene) SetPointer(client string, p *awareness.Pointer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers[client] = p
}

func (s *fakeScene) RemoveClient(client string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, client)
}

func (s *fakeScene) lastSelect() awareness.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.selects) == 0 {
		return nil
	}
	return s.selects[len(s.selects)-1]
}

func (s *fakeScene) selectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.selects)
}

type peer struct {
	ch    *awareness.Channel
	view  *fakeViewport
	scene *fakeScene
	sess  *Session
}

func join(t *testing.T, b *bus, id string, opts ...Option) *peer {
	t.Helper()
	p := &peer{ch: b.join(id), view: &fakeViewport{}, scene: newFakeScene()}
	p.sess = NewSession(p.ch, p.view, p.scene, opts...)
	p.view.moved = p.sess.CameraMoved
	t.Cleanup(p.sess.Close)
	return p
}

var box1 = awareness.Selection{"Box1": {Type: awareness.TypeShape}}

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

func TestEmitterFiltering(t *testing.T) {
	b := newBus()
	a := join(t, b, "A")
	bb := join(t, b, "B")

	require.NoError(t, a.sess.Select(box1))

	assert.Equal(t, 1, a.scene.selectCount(), "A applies its own selection once, echo ignored")
	assert.Equal(t, box1, bb.scene.remote["A"], "B highlights A's selection")

	st, ok := bb.ch.State("A")
	require.True(t, ok)
	assert.Equal(t, a.sess.ID(), st.Selection.Emitter)
}

func TestSelectionFromAnotherView(t *testing.T) {
	b := newBus()
	ch := b.join("A")
	scene1, scene2 := newFakeScene(), newFakeScene()
	v1 := NewSession(ch, &fakeViewport{}, scene1)
	v2 := NewSession(ch, &fakeViewport{}, scene2)
	defer v1.Close()
	defer v2.Close()

	require.NoError(t, v2.Select(box1))
	assert.Equal(t, box1, scene1.lastSelect(), "the other view follows the shared selection")
	assert.Equal(t, 1, scene2.selectCount(), "the emitting view does not reapply it")
}

func TestCameraThrottleCoalesces(t *testing.T) {
	b := newBus()
	a := join(t, b, "A", WithInterval(50*time.Millisecond))
	watcher := join(t, b, "W")

	for i := range 10 {
		a.sess.CameraMoved(awareness.Camera{Position: [3]float64{float64(i), 0, 0}})
	}
	assert.Equal(t, 1, b.count("A", awareness.FieldCamera), "leading update sent immediately")

	require.Eventually(t, func() bool { return b.count("A", awareness.FieldCamera) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 2, b.count("A", awareness.FieldCamera), "burst coalesced into one trailing update")

	st, ok := watcher.ch.State("A")
	require.True(t, ok)
	assert.Equal(t, 9.0, st.Camera.Value.Position[0], "trailing update carries the latest value")
}

func TestPointerRelayed(t *testing.T) {
	b := newBus()
	a := join(t, b, "A")
	bb := join(t, b, "B")

	a.sess.PointerMoved(&awareness.Pointer{Parent: "Box1", X: 1, Y: 2, Z: 3})
	bb.scene.mu.Lock()
	defer bb.scene.mu.Unlock()
	require.NotNil(t, bb.scene.pointers["A"])
	assert.Equal(t, "Box1", bb.scene.pointers["A"].Parent)
}

func TestFollowSymmetry(t *testing.T) {
	b := newBus()
	leader := join(t, b, "A")
	follower := join(t, b, "B")

	leaderCam := awareness.Camera{Position: [3]float64{8, 8, 8}, Up: [3]float64{0, 0, 1}}
	require.NoError(t, leader.ch.SetCamera(leaderCam))
	require.NoError(t, leader.sess.Select(box1))

	own := awareness.Camera{
		Position: [3]float64{0.1, 0.2, 0.30000000000000004},
		Rotation: [3]float64{-0.5, 1e-17, 3},
		Up:       [3]float64{0, 1, 0},
	}
	follower.view.mu.Lock()
	follower.view.cam = own
	follower.view.mu.Unlock()
	ownSel := awareness.Selection{"Cut1": {Type: awareness.TypeShape}}
	require.NoError(t, follower.sess.Select(ownSel))
	sentBefore := b.count("B", awareness.FieldCamera)

	require.NoError(t, follower.sess.Follow("A"))
	assert.Equal(t, "A", follower.sess.Following())
	assert.Equal(t, leaderCam, follower.view.Camera(), "leader camera applied immediately")
	assert.Equal(t, box1, follower.scene.lastSelect(), "leader selection applied immediately")

	moved := awareness.Camera{Position: [3]float64{1, 2, 3}}
	require.NoError(t, leader.ch.SetCamera(moved))
	assert.Equal(t, moved, follower.view.Camera())
	assert.Equal(t, sentBefore, b.count("B", awareness.FieldCamera), "follower never republishes the leader's camera")

	require.NoError(t, follower.sess.Unfollow())
	assert.Empty(t, follower.sess.Following())
	assert.Equal(t, own, follower.view.Camera(), "own camera restored exactly")
	assert.Equal(t, ownSel, follower.scene.lastSelect(), "own selection restored")
	assert.Empty(t, follower.ch.Local().FollowTarget.Value)
}

func TestFollowRejected(t *testing.T) {
	b := newBus()
	p := join(t, b, "A")

	assert.ErrorIs(t, p.sess.Follow("A"), awareness.ErrFollowSelf)
	assert.ErrorIs(t, p.sess.Follow("nobody"), awareness.ErrUnknownClient)
	assert.Empty(t, p.sess.Following())
	assert.NoError(t, p.sess.Unfollow())
}

func TestLeaderDisconnectRestores(t *testing.T) {
	b := newBus()
	leader := join(t, b, "A")
	follower := join(t, b, "B")
	require.NoError(t, leader.ch.SetCamera(awareness.Camera{Position: [3]float64{5, 5, 5}}))

	own := awareness.Camera{Position: [3]float64{1, 1, 1}}
	follower.view.mu.Lock()
	follower.view.cam = own
	follower.view.mu.Unlock()

	require.NoError(t, follower.sess.Follow("A"))
	follower.ch.Remove("A")

	assert.Empty(t, follower.sess.Following())
	assert.Equal(t, own, follower.view.Camera())
	assert.Contains(t, follower.scene.removed, "A")
}

func TestPublishTypeChecks(t *testing.T) {
	b := newBus()
	p := join(t, b, "A")

	assert.Error(t, p.sess.Publish(awareness.FieldCamera, "not a camera"))
	assert.Error(t, p.sess.Publish("zoom", 1))
	require.NoError(t, p.sess.Publish(awareness.FieldSelection, box1))
	require.NoError(t, p.sess.Publish(awareness.FieldFocusedField, &awareness.FocusedField{ID: "length"}))
	assert.Equal(t, "length", p.ch.Local().FocusedField.Value.ID)
}
