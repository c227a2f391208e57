package history

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/lucasmdrs/chirp/internal/bus"
	"github.com/lucasmdrs/chirp/internal/store"
	"go.uber.org/zap"
	"mvdan.cc/xurls/v2"
)

type previewJobKind int

const (
	previewNew previewJobKind = iota
	previewUpdate
	previewRemove
	previewFlush
)

type previewJob struct {
	kind     previewJobKind
	masterID int64
	done     chan struct{}
}

// Generator derives link preview entries from message bodies on a single
// background goroutine. One worker means jobs run in submission order and
// the per-master preview set is never touched concurrently; a slow scan
// never blocks the ingestion path.
type Generator struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	urls   *regexp.Regexp
	jobs   chan previewJob
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGenerator creates a preview generator.
func NewGenerator(db *store.DB, b *bus.Bus, logger *zap.Logger) *Generator {
	return &Generator{
		db:     db,
		bus:    b,
		logger: logger,
		urls:   xurls.Strict(),
		jobs:   make(chan previewJob, 128),
	}
}

// Start launches the worker goroutine.
func (g *Generator) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.ctx = ctx
	go g.loop(ctx)
}

// Stop stops the worker. Queued jobs are abandoned; previews are
// best-effort and regenerate on the next correction.
func (g *Generator) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
}

// Generate scans the entry's body and appends previews for each match.
func (g *Generator) Generate(masterID int64) {
	g.enqueue(previewJob{kind: previewNew, masterID: masterID})
}

// Regenerate drops the entry's existing previews and rebuilds them from the
// current body. Delete and rebuild run inside the single worker, so a
// concurrent Generate for the same master cannot interleave.
func (g *Generator) Regenerate(masterID int64) {
	g.enqueue(previewJob{kind: previewUpdate, masterID: masterID})
}

// Remove drops the entry's previews without regenerating.
func (g *Generator) Remove(masterID int64) {
	g.enqueue(previewJob{kind: previewRemove, masterID: masterID})
}

// Flush blocks until every job submitted before it has been processed.
// Returns immediately once the generator is stopped.
func (g *Generator) Flush() {
	if g.ctx == nil {
		return
	}
	done := make(chan struct{})
	select {
	case g.jobs <- previewJob{kind: previewFlush, done: done}:
	case <-g.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-g.ctx.Done():
	}
}

func (g *Generator) enqueue(job previewJob) {
	select {
	case g.jobs <- job:
	default:
		g.logger.Warn("preview queue full, dropping job", zap.Int64("master_id", job.masterID))
	}
}

func (g *Generator) loop(ctx context.Context) {
	for {
		select {
		case job := <-g.jobs:
			g.process(job)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Generator) process(job previewJob) {
	switch job.kind {
	case previewFlush:
		close(job.done)
	case previewRemove:
		g.removePreviews(job.masterID)
	case previewUpdate:
		g.removePreviews(job.masterID)
		g.generate(job.masterID)
	case previewNew:
		g.generate(job.masterID)
	}
}

func (g *Generator) removePreviews(masterID int64) {
	removed, err := g.db.DeletePreviews(masterID)
	if err != nil {
		g.logger.Error("failed to delete previews", zap.Error(err), zap.Int64("master_id", masterID))
		return
	}
	for _, p := range removed {
		publishRemoved(g.bus, p.Account, p.JID, []int64{p.ID})
	}
}

// generate re-fetches the committed entry before writing anything: a stale
// job for a message that was retracted or removed in the meantime must not
// resurrect previews.
func (g *Generator) generate(masterID int64) {
	e, err := g.db.GetEntry(masterID)
	if err != nil {
		g.logger.Error("failed to load preview master", zap.Error(err), zap.Int64("master_id", masterID))
		return
	}
	if e == nil || e.ItemType != store.ItemMessage || e.State == store.OutgoingUnsent {
		return
	}
	existing, err := g.db.ListPreviews(masterID)
	if err != nil {
		g.logger.Error("failed to list previews", zap.Error(err), zap.Int64("master_id", masterID))
		return
	}
	if len(existing) > 0 {
		return
	}

	for _, target := range previewURLs(g.urls.FindAllString(e.Data, -1)) {
		preview := &store.Entry{
			Account:    e.Account,
			JID:        e.JID,
			Timestamp:  e.Timestamp,
			State:      e.State.Displayed(),
			ItemType:   store.ItemLinkPreview,
			Data:       target,
			SenderKind: e.SenderKind,
			Nickname:   e.Nickname,
			AuthorJID:  e.AuthorJID,
			MasterID:   masterID,
		}
		if _, err := g.db.InsertEntry(preview); err != nil {
			g.logger.Error("failed to insert preview", zap.Error(err), zap.Int64("master_id", masterID))
			continue
		}
		publishEntry(g.bus, bus.HistoryAdded, preview)
	}
}

// previewURLs keeps http(s) links as-is and turns geo: URIs into map search
// links; anything else is not previewable.
func previewURLs(matches []string) []string {
	var out []string
	for _, m := range matches {
		u, err := url.Parse(m)
		if err != nil {
			continue
		}
		switch u.Scheme {
		case "http", "https":
			out = append(out, m)
		case "geo":
			if mapped, ok := geoToMapURL(u.Opaque); ok {
				out = append(out, mapped)
			}
		}
	}
	return out
}

func geoToMapURL(opaque string) (string, bool) {
	coords, _, _ := strings.Cut(opaque, ";")
	lat, lon, ok := strings.Cut(coords, ",")
	if !ok || lat == "" || lon == "" {
		return "", false
	}
	return "https://www.openstreetmap.org/?mlat=" + url.QueryEscape(lat) + "&mlon=" + url.QueryEscape(lon), true
}
