package awareness

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

var (
	// ErrFollowSelf is returned when a client tries to follow itself.
	ErrFollowSelf = errors.New("awareness: cannot follow self")
	// ErrUnknownClient is returned when following a client that is not
	// connected.
	ErrUnknownClient = errors.New("awareness: unknown client")
)

// Update is one field write as sent between clients.
type Update struct {
	Client  string          `json:"client"`
	Field   Field           `json:"field"`
	Clock   uint64          `json:"clock"`
	Emitter string          `json:"emitter,omitempty"`
	Value   json.RawMessage `json:"value"`
}

// Sender broadcasts local updates to other clients.
type Sender interface {
	SendAwareness(Update) error
}

// Event reports a change to one client's state.
type Event struct {
	Client string
	Field  Field
	// State is a copy of the client's state after the change.
	State ClientState
	// Local is set when the change was made by this process.
	Local   bool
	Removed bool
}

// Channel is this process's view of every connected client's awareness
// state. It is safe for concurrent use.
type Channel struct {
	self string

	mu       sync.Mutex
	clock    uint64
	states   map[string]*ClientState
	watchers map[int]func(Event)
	nextW    int
	send     Sender
	log      *slog.Logger
}

// Option configures a Channel.
type Option func(*Channel)

// WithSender sets where local updates are broadcast.
func WithSender(s Sender) Option {
	return func(c *Channel) { c.send = s }
}

// WithLogger sets the channel's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// NewChannel returns a channel for client self, which starts connected.
func NewChannel(self string, opts ...Option) *Channel {
	c := &Channel{
		self:     self,
		states:   map[string]*ClientState{self: {Client: self}},
		watchers: make(map[int]func(Event)),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Self returns the local client id.
func (c *Channel) Self() string { return c.self }

// SetSender replaces the sender. A nil sender keeps updates local.
func (c *Channel) SetSender(s Sender) {
	c.mu.Lock()
	c.send = s
	c.mu.Unlock()
}

// Watch calls fn after every change until the returned func is called.
// fn runs on the goroutine that made the change and must not block.
func (c *Channel) Watch(fn func(Event)) (cancel func()) {
	c.mu.Lock()
	id := c.nextW
	c.nextW++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// Local returns a copy of the local client's state.
func (c *Channel) Local() ClientState {
	st, _ := c.State(c.self)
	return st
}

// State returns a copy of client's state.
func (c *Channel) State(client string) (ClientState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[client]
	if !ok {
		return ClientState{}, false
	}
	return st.Clone(), true
}

// States returns a copy of every client's state ordered by client id.
func (c *Channel) States() []ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := slices.Sorted(maps.Keys(c.states))
	out := make([]ClientState, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.states[id].Clone())
	}
	return out
}

// ----------------------------------------------------------------------------
// Local writes
// ----------------------------------------------------------------------------

// SetUser publishes the local user.
func (c *Channel) SetUser(u User) error {
	return c.publish(FieldUser, u, c.self)
}

// SetCamera publishes the local camera.
func (c *Channel) SetCamera(cam Camera) error {
	return c.publish(FieldCamera, &cam, c.self)
}

// SetSelection publishes the local selection on behalf of emitter.
func (c *Channel) SetSelection(sel Selection, emitter string) error {
	return c.publish(FieldSelection, maps.Clone(sel), emitter)
}

// SetPointer publishes the local pointer. A nil pointer clears it.
func (c *Channel) SetPointer(p *Pointer) error {
	return c.publish(FieldPointer, p, c.self)
}

// SetFollowTarget starts following client, or stops when client is "".
func (c *Channel) SetFollowTarget(client string) error {
	if client == c.self {
		return ErrFollowSelf
	}
	if client != "" {
		c.mu.Lock()
		_, ok := c.states[client]
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownClient, client)
		}
	}
	return c.publish(FieldFollowTarget, client, c.self)
}

// SetFocusedField publishes the property being edited. Nil clears it.
func (c *Channel) SetFocusedField(f *FocusedField) error {
	return c.publish(FieldFocusedField, f, c.self)
}

func (c *Channel) publish(f Field, v any, emitter string) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("awareness: encode %s: %w", f, err)
	}

	c.mu.Lock()
	c.clock++
	u := Update{Client: c.self, Field: f, Clock: c.clock, Emitter: emitter, Value: raw}
	st := c.states[c.self]
	if err := st.set(u); err != nil {
		c.mu.Unlock()
		return err
	}
	ev := Event{Client: c.self, Field: f, State: st.Clone(), Local: true}
	send := c.send
	watchers := c.watchersLocked()
	c.mu.Unlock()

	notify(watchers, ev)
	if send != nil {
		if err := send.SendAwareness(u); err != nil {
			return fmt.Errorf("awareness: send %s: %w", f, err)
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Remote writes
// ----------------------------------------------------------------------------

// Merge applies a remote update. Updates about the local client and
// updates older than the stored field are ignored. A client seen for
// the first time is created.
func (c *Channel) Merge(u Update) error {
	if u.Client == "" {
		return errors.New("awareness: update without client")
	}
	if !u.Field.Valid() {
		return fmt.Errorf("awareness: unknown field %q", u.Field)
	}
	if u.Client == c.self {
		return nil
	}

	c.mu.Lock()
	st, ok := c.states[u.Client]
	if !ok {
		st = &ClientState{Client: u.Client}
	}
	if u.Clock <= st.clock(u.Field) {
		c.mu.Unlock()
		return nil
	}
	if err := st.set(u); err != nil {
		c.mu.Unlock()
		return err
	}
	c.states[u.Client] = st
	ev := Event{Client: u.Client, Field: u.Field, State: st.Clone()}
	watchers := c.watchersLocked()
	c.mu.Unlock()

	notify(watchers, ev)
	return nil
}

// Remove drops a disconnected client immediately.
func (c *Channel) Remove(client string) {
	if client == c.self {
		return
	}
	c.mu.Lock()
	st, ok := c.states[client]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.states, client)
	ev := Event{Client: client, State: st.Clone(), Removed: true}
	watchers := c.watchersLocked()
	c.mu.Unlock()

	c.log.Debug("awareness: client removed", slog.String("client", client))
	notify(watchers, ev)
}

// Updates returns the local client's set fields as updates, for
// announcing this client to a newly joined peer.
func (c *Channel) Updates() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[c.self]
	var out []Update
	for _, f := range []Field{FieldUser, FieldCamera, FieldSelection, FieldPointer, FieldFollowTarget, FieldFocusedField} {
		u, ok := st.update(f)
		if ok {
			out = append(out, u)
		}
	}
	return out
}

func (c *Channel) watchersLocked() []func(Event) {
	ids := slices.Sorted(maps.Keys(c.watchers))
	out := make([]func(Event), len(ids))
	for i, id := range ids {
		out[i] = c.watchers[id]
	}
	return out
}

func notify(watchers []func(Event), ev Event) {
	for _, w := range watchers {
		w(ev)
	}
}

// ----------------------------------------------------------------------------
// Field codec
// ----------------------------------------------------------------------------

func setValue[T any](dst *Value[T], u Update) error {
	var v T
	if err := json.Unmarshal(u.Value, &v); err != nil {
		return fmt.Errorf("awareness: decode %s: %w", u.Field, err)
	}
	*dst = Value[T]{Value: v, Emitter: u.Emitter, Clock: u.Clock}
	return nil
}

func (s *ClientState) set(u Update) error {
	switch u.Field {
	case FieldUser:
		return setValue(&s.User, u)
	case FieldCamera:
		return setValue(&s.Camera, u)
	case FieldSelection:
		return setValue(&s.Selection, u)
	case FieldPointer:
		return setValue(&s.Pointer, u)
	case FieldFollowTarget:
		return setValue(&s.FollowTarget, u)
	case FieldFocusedField:
		return setValue(&s.FocusedField, u)
	}
	return fmt.Errorf("awareness: unknown field %q", u.Field)
}

func encodeValue[T any](v Value[T], client string, f Field) (Update, bool) {
	if v.Clock == 0 {
		return Update{}, false
	}
	raw, err := json.Marshal(v.Value)
	if err != nil {
		return Update{}, false
	}
	return Update{Client: client, Field: f, Clock: v.Clock, Emitter: v.Emitter, Value: raw}, true
}

func (s *ClientState) update(f Field) (Update, bool) {
	switch f {
	case FieldUser:
		return encodeValue(s.User, s.Client, f)
	case FieldCamera:
		return encodeValue(s.Camera, s.Client, f)
	case FieldSelection:
		return encodeValue(s.Selection, s.Client, f)
	case FieldPointer:
		return encodeValue(s.Pointer, s.Client, f)
	case FieldFollowTarget:
		return encodeValue(s.FollowTarget, s.Client, f)
	case FieldFocusedField:
		return encodeValue(s.FocusedField, s.Client, f)
	}
	return Update{}, false
}
