package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/events"
	"github.com/mmcdole/citypack/internal/fetch"
	"github.com/mmcdole/citypack/internal/gate"
	"github.com/mmcdole/citypack/internal/syncer"
	"github.com/mmcdole/citypack/internal/tui"
	"github.com/mmcdole/citypack/internal/worker"
)

func (a *app) dispatch(ctx context.Context, name string, args []string) error {
	switch name {
	case "sync":
		return a.cmdSync(ctx, args)
	case "ready":
		return a.cmdReady(ctx, args)
	case "status":
		return a.cmdStatus(ctx, args)
	case "remove":
		return a.cmdRemove(ctx, args)
	case "updates":
		return a.cmdUpdates(ctx, args)
	case "retry":
		return a.cmdRetry(ctx, args)
	case "verify":
		return a.cmdVerify(ctx, args)
	case "agent":
		return a.cmdAgent(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

// cityArgs validates slugs and rejects ones the catalogue does not know.
func (a *app) cityArgs(args []string, max int) ([]string, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing city")
	}
	if max > 0 && len(args) > max {
		return nil, fmt.Errorf("expected %d city, got %d", max, len(args))
	}
	for _, slug := range args {
		if err := domain.ValidateSlug(slug); err != nil {
			return nil, err
		}
		if _, err := a.catalog.BySlug(slug); err != nil {
			if s := suggest(slug, a.catalog.Slugs()); len(s) > 0 {
				return nil, fmt.Errorf("unknown city %q, did you mean %s?", slug, strings.Join(s, ", "))
			}
		}
	}
	return args, nil
}

func (a *app) cmdSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	direct := fs.Bool("direct", false, "cache directly without a city worker")
	plain := fs.Bool("plain", false, "print progress lines instead of the progress view")
	if err := fs.Parse(args); err != nil {
		return err
	}
	slugs, err := a.cityArgs(fs.Args(), 0)
	if err != nil {
		return err
	}

	if !*direct {
		if err := a.registerGlobal(ctx); err != nil {
			a.logger.Warn("app worker unavailable", "error", err)
		}
		for _, slug := range slugs {
			if _, err := a.registry.RegisterCity(ctx, a.origin, slug, a.cfg.Cache.SchemaVersion); err != nil {
				return fmt.Errorf("failed to register worker for %s: %w", slug, err)
			}
		}
	}

	run := func(ctx context.Context, slug string, o domain.SyncObserver) error {
		return a.engine.Sync(ctx, slug, syncer.WithObserver(o))
	}

	var failures map[string]error
	if !*plain && isTerminal() {
		failures, err = tui.RunSync(ctx, slugs, run)
		if err != nil {
			return err
		}
	} else {
		failures = a.syncPlain(ctx, slugs, run)
	}

	if len(failures) > 0 {
		for slug, ferr := range failures {
			fmt.Fprintf(a.out, "✗ %s: %v\n", slug, ferr)
		}
		return fmt.Errorf("%d of %d syncs failed, queued for retry", len(failures), len(slugs))
	}
	return nil
}

func (a *app) syncPlain(ctx context.Context, slugs []string, run tui.SyncFunc) map[string]error {
	observer := domain.ObserverFunc(func(s domain.SyncState) {
		fmt.Fprintf(a.out, "%s %s %d%%\n", s.Slug, s.Status, s.Progress)
	})

	failures := make(map[string]error)
	for _, slug := range slugs {
		if err := run(ctx, slug, observer); err != nil {
			failures[slug] = err
		}
	}
	return failures
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func (a *app) cmdReady(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ready", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "open the city page and report readiness as it changes")
	doSync := fs.Bool("sync", false, "with --watch, download the city while watching")
	timeout := fs.Duration("timeout", 0, "with --watch, give up after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	slugs, err := a.cityArgs(fs.Args(), 1)
	if err != nil {
		return err
	}
	slug := slugs[0]
	if *watch {
		return a.watchReady(ctx, slug, *doSync, *timeout)
	}

	a.restoreWorkers(ctx)
	r := a.newGate(slug, a.cachedDocument(slug)).Check(ctx)
	printCheck(a.out, "manifest linked", r.ManifestOK)
	printCheck(a.out, "worker active", r.WorkerOK)
	printCheck(a.out, "page cached", r.CacheOK)
	if !r.Ready() {
		return fmt.Errorf("%s is not ready to install", slug)
	}
	fmt.Fprintf(a.out, "%s is ready to install\n", slug)
	return nil
}

func (a *app) newGate(slug string, doc gate.ManifestSource) *gate.Gate {
	return gate.New(gate.Config{
		Slug:          slug,
		Origin:        a.origin,
		SchemaVersion: a.cfg.Cache.SchemaVersion,
		Document:      doc,
		Registrations: a.registry,
		Storage:       a.store,
		Bus:           a.bus,
		PollInterval:  a.cfg.Gate.PollInterval,
		Logger:        a.logger,
	})
}

// watchReady mounts the city page: it swaps the manifest link, registers
// the city worker and optionally syncs, printing readiness on each change
// until the city is ready or ctx ends.
func (a *app) watchReady(ctx context.Context, slug string, doSync bool, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	watchCtx, stop := context.WithCancel(ctx)
	defer stop()

	doc := gate.NewDocument("", a.bus)
	g := a.newGate(slug, doc)

	var final gate.Readiness
	done := make(chan error, 1)
	go func() {
		done <- g.Watch(watchCtx, func(r gate.Readiness) {
			final = r
			printReadiness(a.out, slug, r)
			if r.Ready() {
				stop()
			}
		})
	}()

	doc.SwapManifest(slug)
	if err := a.registerGlobal(ctx); err != nil {
		a.logger.Warn("app worker unavailable", "error", err)
	}
	if _, err := a.registry.RegisterCity(ctx, a.origin, slug, a.cfg.Cache.SchemaVersion); err != nil {
		stop()
		<-done
		return fmt.Errorf("failed to register worker for %s: %w", slug, err)
	}

	var syncErr error
	if doSync {
		syncErr = a.engine.Sync(ctx, slug)
	}
	<-done

	if syncErr != nil {
		fmt.Fprintf(a.out, "✗ sync: %v\n", syncErr)
	}
	if !final.Ready() {
		return fmt.Errorf("%s is not ready to install", slug)
	}
	fmt.Fprintf(a.out, "%s is ready to install\n", slug)
	return nil
}

func printReadiness(w io.Writer, slug string, r gate.Readiness) {
	fmt.Fprintf(w, "%s: manifest %s  worker %s  page %s\n",
		slug, mark(r.ManifestOK), mark(r.WorkerOK), mark(r.CacheOK))
}

// cachedDocument reads the manifest link of the city's cached page, the
// page an offline launch would render.
func (a *app) cachedDocument(slug string) *gate.Document {
	doc := gate.NewDocument("", a.bus)
	part, ok := a.store.Lookup(a.engine.PartitionName(slug))
	if !ok {
		return doc
	}
	page, ok := part.Match(a.origin + domain.CityPath(slug))
	if !ok {
		return doc
	}
	if href := gate.ManifestLink(page.Body); href != "" {
		doc.SetManifestHref(href)
	}
	return doc
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func printCheck(w io.Writer, label string, ok bool) {
	fmt.Fprintf(w, "%s %s\n", mark(ok), label)
}

func (a *app) cmdStatus(ctx context.Context, args []string) error {
	meta, err := a.engine.Downloaded()
	if err != nil {
		return err
	}
	intents, err := a.queue.Pending()
	if err != nil {
		return err
	}
	retries := make(map[string]domain.RetryIntent, len(intents))
	for _, in := range intents {
		retries[in.CityID] = in
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CITY\tUPDATED\tENTRIES\tSIZE\tRETRY")
	ids := append([]string(nil), meta.DownloadedIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		updated := meta.LastUpdated[id]
		if t, err := time.Parse(time.RFC3339, updated); err == nil {
			updated = humanize.Time(t)
		}
		entries, size, err := a.store.Usage(a.engine.PartitionName(id))
		if err != nil && !errors.Is(err, domain.ErrPartitionNotFound) {
			return err
		}
		retry := "-"
		if in, ok := retries[id]; ok {
			retry = fmt.Sprintf("attempt %d %s", in.Attempts+1, humanize.Time(in.NextAttempt))
			delete(retries, id)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", id, updated, entries, humanize.Bytes(uint64(size)), retry)
	}
	for id, in := range retries {
		fmt.Fprintf(tw, "%s\t-\t0\t0 B\tattempt %d %s\n", id, in.Attempts+1, humanize.Time(in.NextAttempt))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	names, err := a.store.Names()
	if err != nil {
		return err
	}
	var shared []string
	for _, name := range names {
		if _, _, ok := domain.ParsePartitionName(name); !ok {
			shared = append(shared, name)
		}
	}
	for _, name := range shared {
		entries, size, err := a.store.Usage(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(a.out, "shared %s: %d entries, %s\n", name, entries, humanize.Bytes(uint64(size)))
	}
	return nil
}

func (a *app) cmdRemove(ctx context.Context, args []string) error {
	slugs, err := a.cityArgs(args, 1)
	if err != nil {
		return err
	}
	slug := slugs[0]

	a.engine.RemoveOfflineData(ctx, slug)
	a.registry.Unregister(domain.ScopePath(slug))
	if err := a.queue.Remove(slug); err != nil {
		a.logger.Warn("failed to clear retry", "slug", slug, "error", err)
	}
	fmt.Fprintf(a.out, "removed offline data for %s\n", slug)
	return nil
}

func (a *app) cmdUpdates(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("updates", flag.ContinueOnError)
	apply := fs.Bool("apply", false, "download every available update")
	if err := fs.Parse(args); err != nil {
		return err
	}

	candidates, err := a.checker.Check(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Fprintln(a.out, "all downloaded cities are up to date")
		return nil
	}
	for _, c := range candidates {
		fmt.Fprintf(a.out, "update available: %s (%s)\n", c.Name, c.ID)
	}
	if !*apply {
		return nil
	}

	a.restoreWorkers(ctx)
	if err := a.checker.ApplyAll(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "applied %d updates\n", len(candidates))
	return nil
}

func (a *app) cmdRetry(ctx context.Context, args []string) error {
	a.restoreWorkers(ctx)
	n, err := a.queue.Drain(ctx, a.retrySync)
	if err != nil {
		return err
	}
	pending, err := a.queue.Pending()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d retries succeeded, %d pending\n", n, len(pending))
	return nil
}

func (a *app) cmdVerify(ctx context.Context, args []string) error {
	slugs, err := a.cityArgs(args, 1)
	if err != nil {
		return err
	}
	slug := slugs[0]
	scope := domain.ScopePath(slug)
	failed := 0
	check := func(label string, ok bool) {
		printCheck(a.out, label, ok)
		if !ok {
			failed++
		}
	}

	var wcfg worker.Config
	resp, err := fetch.Get(ctx, a.client, a.origin+domain.WorkerConfigPath(slug))
	if err == nil && resp.OK() {
		err = json.Unmarshal(resp.Body, &wcfg)
	}
	check("worker scope is "+scope, err == nil && resp.OK() && wcfg.Scope == scope &&
		resp.Header.Get("Service-Worker-Allowed") == scope)

	names, err := a.store.Names()
	if err != nil {
		return err
	}
	var partitions []string
	for _, name := range names {
		if s, _, ok := domain.ParsePartitionName(name); ok && s == slug {
			partitions = append(partitions, name)
		}
	}
	check(fmt.Sprintf("one partition for %s (found %v)", slug, partitions),
		len(partitions) == 1 && partitions[0] == a.engine.PartitionName(slug))

	var manifest struct {
		Scope    string `json:"scope"`
		StartURL string `json:"start_url"`
	}
	resp, err = fetch.Get(ctx, a.client, a.origin+domain.ManifestPath(slug))
	if err == nil && resp.OK() {
		err = json.Unmarshal(resp.Body, &manifest)
	}
	check("manifest start_url under scope", err == nil && resp.OK() &&
		manifest.Scope == scope && strings.HasPrefix(manifest.StartURL, scope))

	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}

func (a *app) cmdAgent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8090", "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.registerGlobal(ctx); err != nil {
		a.logger.Warn("app worker unavailable", "error", err)
	}
	a.restoreWorkers(ctx)

	router, err := a.agentRouter()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: *addr, Handler: router}

	unsub := a.bus.Subscribe(events.TopicOnline, func(string, interface{}) {
		a.registry.FireSyncs(ctx)
	})
	defer unsub()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("agent listening", "addr", *addr)
		fmt.Fprintf(a.out, "agent listening on %s\n", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return ignoreCanceled(a.monitor.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(a.checker.Run(ctx)) })
	g.Go(func() error {
		return ignoreCanceled(a.queue.Run(ctx, a.cfg.Outbox.DrainInterval, a.retrySync))
	})
	return g.Wait()
}

// agentRouter is the worker host plus the update prompt endpoints.
func (a *app) agentRouter() (*gin.Engine, error) {
	host, err := worker.NewHost(worker.HostConfig{
		Registry:      a.registry,
		Origin:        a.origin,
		SchemaVersion: a.cfg.Cache.SchemaVersion,
		Gatherer:      a.metrics,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, err
	}
	r := host.Router()
	updates := r.Group("/_agent/updates")
	updates.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"updates": a.checker.Pending()})
	})
	updates.POST("/apply", func(c *gin.Context) {
		if err := a.checker.ApplyAll(c.Request.Context()); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"updates": a.checker.Pending()})
	})
	updates.POST("/dismiss", func(c *gin.Context) {
		a.checker.Dismiss()
		c.Status(http.StatusNoContent)
	})
	return r, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
