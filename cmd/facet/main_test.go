package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chazu/facet/pkg/awareness"
	"github.com/chazu/facet/pkg/config"
	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/engine"
)

var quiet = slog.New(slog.DiscardHandler)

func init() {
	gin.SetMode(gin.TestMode)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part.zy")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "facet dev\n" {
		t.Errorf("output = %q", out)
	}
}

func TestConfigCommandPrintsDefaults(t *testing.T) {
	out, err := execute(t, "config", "--log-level", "warn")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"tessellation:", "relay:", "level: warn"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestInvalidLogLevelRejected(t *testing.T) {
	if _, err := execute(t, "config", "--log-level", "loud"); err == nil {
		t.Error("expected an error for an unknown log level")
	}
}

func TestRenderReportsObjects(t *testing.T) {
	path := writeScript(t, `
(box :name "Base" :length 4 :width 4 :height 2)
(cylinder :name "Hole" :radius 1 :height 4 :at (vec3 2 2 -1))
(cut "Base" "Hole" :name "Plate")
`)
	out, err := execute(t, "render", path, "--log-level", "error")
	if err != nil {
		t.Fatalf("render: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("want header and 3 rows, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[3], "Plate") || !strings.Contains(lines[3], "true") || !strings.HasSuffix(lines[3], "ok") {
		t.Errorf("Plate row = %q", lines[3])
	}
	if !strings.Contains(lines[1], "false") {
		t.Errorf("cut operand should be hidden: %q", lines[1])
	}
}

func TestRenderExports(t *testing.T) {
	path := writeScript(t, `
(box :name "Block" :length 2 :width 2 :height 2)
(post "Block" :name "Block out")
`)
	dir := t.TempDir()
	if out, err := execute(t, "render", path, "--export", dir, "--log-level", "error"); err != nil {
		t.Fatalf("render: %v\n%s", err, out)
	}
	for _, name := range []string{"Block.stl", "Block_out.stl"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		// 80 byte header, triangle count, then 50 bytes per triangle.
		if len(data) < 84+50 || (len(data)-84)%50 != 0 {
			t.Errorf("%s: malformed STL of %d bytes", name, len(data))
		}
	}
}

func TestRenderScriptErrors(t *testing.T) {
	path := writeScript(t, `(box :name "A"`)
	out, err := execute(t, "render", path, "--log-level", "error")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(out, path) {
		t.Errorf("errors should name the script:\n%s", out)
	}
}

func TestRenderWatchRejectsRelay(t *testing.T) {
	path := writeScript(t, `(box)`)
	_, err := execute(t, "render", path, "--watch", "--relay", "http://localhost:1")
	if err == nil || !strings.Contains(err.Error(), "--watch") {
		t.Errorf("err = %v", err)
	}
}

// runApp starts an app with one rendered box named Box.
func runApp(t *testing.T, opts ...AppOption) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Collab.ThrottleInterval = time.Millisecond
	app, err := NewApp(cfg, quiet, opts...)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runErr
		app.Close()
	})

	script, evalErrs, err := app.Evaluate(`(box :name "Box" :length 2 :width 2 :height 2)`)
	if err != nil || len(evalErrs) > 0 {
		t.Fatalf("evaluate: %v %v", err, evalErrs)
	}
	v, err := app.Store().Load(script.Snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.Await(ctx, atVersion(v)); err != nil {
		t.Fatal(err)
	}
	return app
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type recordingSender struct {
	mu      sync.Mutex
	updates []awareness.Update
}

func (s *recordingSender) SendAwareness(u awareness.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingSender) fields() []awareness.Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fields []awareness.Field
	for _, u := range s.updates {
		fields = append(fields, u.Field)
	}
	return fields
}

func TestAppAppliesRemoteAwareness(t *testing.T) {
	app := runApp(t)

	sel, err := json.Marshal(awareness.Selection{"Box": {Type: awareness.TypeShape}})
	if err != nil {
		t.Fatal(err)
	}
	ptr, err := json.Marshal(awareness.Pointer{Parent: "Box", X: 1, Y: 1, Z: 2})
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range []awareness.Update{
		{Client: "peer", Field: awareness.FieldSelection, Clock: 1, Value: sel},
		{Client: "peer", Field: awareness.FieldPointer, Clock: 1, Value: ptr},
	} {
		if err := app.Channel().Merge(u); err != nil {
			t.Fatalf("merge %s: %v", u.Field, err)
		}
	}

	waitUntil(t, "remote selection", func() bool {
		n, ok := app.scene.Node("Box")
		return ok && slices.Contains(n.RemoteSelected, "peer")
	})
	waitUntil(t, "remote pointer", func() bool {
		pm, ok := app.scene.Pointer("peer")
		return ok && pm.Visible
	})

	app.Channel().Remove("peer")
	waitUntil(t, "departure", func() bool {
		n, _ := app.scene.Node("Box")
		_, ok := app.scene.Pointer("peer")
		return len(n.RemoteSelected) == 0 && !ok
	})
}

func TestAppFollowsRemoteCamera(t *testing.T) {
	app := runApp(t)

	cam := awareness.Camera{Position: [3]float64{10, 0, 0}, Up: [3]float64{0, 0, 1}}
	value, err := json.Marshal(cam)
	if err != nil {
		t.Fatal(err)
	}
	if err := app.Channel().Merge(awareness.Update{Client: "peer", Field: awareness.FieldCamera, Clock: 1, Value: value}); err != nil {
		t.Fatal(err)
	}
	if err := app.Session().Follow("peer"); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if got := app.viewport.Camera(); got != cam {
		t.Errorf("camera = %+v, want %+v", got, cam)
	}
	if err := app.Session().Unfollow(); err != nil {
		t.Fatal(err)
	}
	if got := app.viewport.Camera(); got != (awareness.Camera{}) {
		t.Errorf("camera not restored: %+v", got)
	}
}

func TestAppPublishesThroughClient(t *testing.T) {
	sender := &recordingSender{}
	app := runApp(t, WithClient("me", sender))
	if app.Channel().Self() != "me" {
		t.Fatalf("self = %q", app.Channel().Self())
	}

	if err := app.Session().Select(awareness.Selection{"Box": {Type: awareness.TypeShape}}); err != nil {
		t.Fatal(err)
	}
	if n, _ := app.scene.Node("Box"); !n.Selected {
		t.Error("local selection not highlighted")
	}
	app.Session().PointerMoved(&awareness.Pointer{Parent: "Box"})
	waitUntil(t, "published pointer", func() bool {
		fields := sender.fields()
		return slices.Contains(fields, awareness.FieldSelection) && slices.Contains(fields, awareness.FieldPointer)
	})
}

func TestAppMetrics(t *testing.T) {
	app := runApp(t)

	srv := httptest.NewServer(metricsHandler(app.Metrics()))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, want := range []string{
		`facet_shapecache_misses_total{cache="solids"}`,
		`facet_shapecache_builds_total{cache="meshes"}`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics lack %s", want)
		}
	}
}

func TestPaint(t *testing.T) {
	red := document.BoxParams{Length: 1, Width: 1, Height: 1}
	red.Color = "#ff0000"
	plain := document.BoxParams{Length: 1, Width: 1, Height: 1}
	objs := []document.Object{
		{Name: "A", Visible: true, Params: plain},
		{Name: "B", Visible: true, Params: red},
		{Name: "C", Visible: true, Params: plain},
		{Name: "Old", Visible: true, Params: plain},
	}
	s := &engine.Script{
		Snapshot: &document.Snapshot{Objects: objs},
		Created:  []string{"A", "B", "C"},
	}
	for _, o := range objs[:3] {
		s.Transactions = append(s.Transactions, document.NewTransaction("script", document.AddOp(o)))
	}
	paint(s)

	want := map[string]string{"A": colorPalette[0], "B": "#ff0000", "C": colorPalette[1], "Old": ""}
	for name, color := range want {
		obj, _ := s.Snapshot.Lookup(name)
		if got := obj.Params.Attrs().Color; got != color {
			t.Errorf("snapshot %s color = %q, want %q", name, got, color)
		}
	}
	for _, txn := range s.Transactions {
		obj := txn.Ops[0].Object
		if got := obj.Params.Attrs().Color; got != want[obj.Name] {
			t.Errorf("transaction %s color = %q, want %q", obj.Name, got, want[obj.Name])
		}
	}
	if objs[0].Params.Attrs().Color != "" {
		t.Error("paint modified the caller's objects")
	}
}

func TestFileName(t *testing.T) {
	tests := map[string]string{
		"Box 1":   "Box_1",
		"a/b":     "a_b",
		"C:\\tmp": "C__tmp",
		"Plain":   "Plain",
	}
	for in, want := range tests {
		if got := fileName(in); got != want {
			t.Errorf("fileName(%q) = %q, want %q", in, got, want)
		}
	}
}
