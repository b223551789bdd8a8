package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/engine"
	"github.com/chazu/facet/pkg/relay"
	"github.com/chazu/facet/pkg/tessellate"
	"github.com/chazu/facet/pkg/worker"
)

// errScript marks a script that failed to evaluate. Its errors have
// already been printed.
var errScript = errors.New("script has errors")

type renderOptions struct {
	watch   bool
	export  string
	timeout time.Duration
	relay   string
	room    string
	metrics string
}

func newRenderCmd(root *rootOptions) *cobra.Command {
	opts := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render <script>",
		Short: "Evaluate a script, tessellate it and report each object",
		Long: `Evaluate a script, tessellate the resulting document and print one line per
object. With --export every visible solid is written as STL together with the
outputs of the script's post objects. With --relay the script's edits are
submitted to a shared room instead of a private document.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.watch && opts.relay != "" {
				return errors.New("--watch cannot be combined with --relay")
			}
			cfg, log, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if opts.relay == "" {
				opts.relay = cfg.Relay.URL
			}
			if opts.room == "" {
				opts.room = cfg.Relay.Room
			}
			if opts.watch && opts.relay != "" {
				// A relay configured in the file only applies to one-shot renders.
				opts.relay = ""
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var (
				appOpts []AppOption
				client  *relay.Client
			)
			if opts.relay != "" {
				id := uuid.NewString()
				client, err = relay.NewClient(opts.relay, opts.room, id, relay.WithClientLogger(log))
				if err != nil {
					return err
				}
				appOpts = append(appOpts,
					WithClient(id, client),
					WithStoreOptions(document.WithOrigin(id), document.WithSubmitter(client)))
			}
			app, err := NewApp(cfg, log, appOpts...)
			if err != nil {
				return err
			}
			defer app.Close()
			if client != nil {
				if err := client.Connect(ctx, app.Store(), app.Channel()); err != nil {
					return err
				}
				defer client.Close()
			}
			if opts.metrics != "" {
				go func() {
					if err := serve(ctx, log, opts.metrics, metricsHandler(app.Metrics())); err != nil {
						log.Warn("metrics server failed", slog.String("error", err.Error()))
					}
				}()
			}

			runErr := make(chan error, 1)
			go func() { runErr <- app.Run(ctx) }()
			defer func() {
				cancel()
				<-runErr
			}()

			r := &renderer{app: app, out: cmd.OutOrStdout(), log: log, opts: opts, shared: client != nil}
			path := args[0]
			if !opts.watch {
				return r.render(ctx, path)
			}
			if err := r.render(ctx, path); err != nil && !errors.Is(err, errScript) {
				log.Warn("render failed", slog.String("script", path), slog.String("error", err.Error()))
			}
			return r.watch(ctx, path)
		},
	}
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "re-render whenever the script changes")
	cmd.Flags().StringVar(&opts.export, "export", "", "write STL files and post outputs into this directory")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "how long to wait for tessellation")
	cmd.Flags().StringVar(&opts.relay, "relay", "", "submit to a room on this relay, e.g. http://localhost:8420")
	cmd.Flags().StringVar(&opts.room, "room", "", "room to join on the relay")
	cmd.Flags().StringVar(&opts.metrics, "metrics", "", "serve prometheus metrics on this address, e.g. :9090")
	return cmd
}

type renderer struct {
	app    *App
	out    io.Writer
	log    *slog.Logger
	opts   *renderOptions
	shared bool
}

// render evaluates the script at path once and reports the result.
func (r *renderer) render(ctx context.Context, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	script, evalErrs, err := r.app.Evaluate(string(src))
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", path, err)
	}
	if len(evalErrs) > 0 {
		for _, e := range evalErrs {
			fmt.Fprintf(r.out, "%s: %s\n", path, e.Error())
		}
		return errScript
	}

	want, err := r.commit(script)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	batch, err := r.app.Await(ctx, want)
	if err != nil {
		return err
	}
	report(r.out, r.app.Store().Snapshot(), batch)
	if r.opts.export == "" {
		return nil
	}
	return r.export(ctx, batch)
}

// commit puts the script's document in place and returns the test for
// the batch that reflects it.
func (r *renderer) commit(script *engine.Script) (func(*tessellate.Batch) bool, error) {
	store := r.app.Store()
	if r.shared {
		// Other collaborators keep editing, so versions say little. The
		// names the script created are fresh in the room.
		if err := script.ApplyTo(store); err != nil {
			return nil, err
		}
		return containing(script.Created), nil
	}
	v, err := store.Load(script.Snapshot)
	if err != nil {
		return nil, err
	}
	return atVersion(v), nil
}

func (r *renderer) export(ctx context.Context, batch *tessellate.Batch) error {
	if err := os.MkdirAll(r.opts.export, 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	snap := r.app.Store().Snapshot()
	var written int
	for _, res := range batch.Results {
		obj, ok := snap.Lookup(res.Name)
		if !ok || !obj.Visible || !res.OK() || res.Kind == document.KindPost {
			continue
		}
		var buf bytes.Buffer
		if err := worker.WriteSTL(&buf, res.Name, res); err != nil {
			return fmt.Errorf("encode %s: %w", res.Name, err)
		}
		if err := r.writeFile(res.Name, worker.FormatSTL, buf.Bytes()); err != nil {
			return err
		}
		written++
	}

	outputs, err := r.app.AwaitOutputs(ctx, batch)
	for name, out := range outputs {
		if err := r.writeFile(name, out.Format, out.Data); err != nil {
			return err
		}
		written++
	}
	if err != nil {
		return err
	}
	r.log.Info("exported", slog.String("dir", r.opts.export), slog.Int("files", written))
	return nil
}

func (r *renderer) writeFile(name, format string, data []byte) error {
	path := filepath.Join(r.opts.export, fileName(name)+"."+format)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// fileName turns an object name into a safe file name.
func fileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, name)
}

// watch re-renders path on every write until ctx is done. Editors that
// replace the file are handled by watching its directory.
func (r *renderer) watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	r.log.Info("watching", slog.String("script", path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := r.render(ctx, path); err != nil && !errors.Is(err, errScript) {
				r.log.Warn("render failed", slog.String("script", path), slog.String("error", err.Error()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// report prints one line per object in document order.
func report(w io.Writer, snap *document.Snapshot, batch *tessellate.Batch) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tKIND\tVISIBLE\tTRIANGLES\tVOLUME\tSTATUS\n")
	for _, obj := range snap.Objects {
		res, ok := batch.Lookup(obj.Name)
		switch {
		case !ok:
			fmt.Fprintf(tw, "%s\t%s\t%t\t-\t-\tpending\n", obj.Name, obj.Kind(), obj.Visible)
		case !res.OK():
			fmt.Fprintf(tw, "%s\t%s\t%t\t-\t-\t%s\n", obj.Name, obj.Kind(), obj.Visible, res.Err)
		default:
			volume := "-"
			if res.Meta != nil {
				volume = fmt.Sprintf("%.3f", res.Meta.Volume)
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\tok\n", obj.Name, obj.Kind(), obj.Visible, triangles(res), volume)
		}
	}
	tw.Flush()
}

func triangles(res *tessellate.Result) int {
	var n int
	for _, f := range res.Faces {
		n += len(f.Indices) / 3
	}
	return n
}
