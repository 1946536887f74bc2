package triage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const (
	DefaultPageSize       = 500
	DefaultMaxPagesToScan = 200
)

var tracer = otel.Tracer("github.com/linnemanlabs/winnow/internal/triage")

// CursorOptions tunes the catalog scan.
type CursorOptions struct {
	PageSize int
	// MaxPagesToScan bounds how many consecutive fully-triaged pages one call
	// walks before declaring the partition exhausted.
	MaxPagesToScan int
}

func (o CursorOptions) withDefaults() CursorOptions {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxPagesToScan <= 0 {
		o.MaxPagesToScan = DefaultMaxPagesToScan
	}
	return o
}

// Cursor walks the external catalog for a partition and returns the next page
// that still holds untriaged items.
type Cursor struct {
	catalog Catalog
	opts    CursorOptions
	logger  log.Logger
	hooks   Hooks
}

// NewCursor creates a cursor over catalog.
func NewCursor(catalog Catalog, opts CursorOptions, logger log.Logger, hooks Hooks) *Cursor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Cursor{
		catalog: catalog,
		opts:    opts.withDefaults(),
		logger:  logger,
		hooks:   hooks,
	}
}

// Options returns the effective options.
func (c *Cursor) Options() CursorOptions { return c.opts }

// NextBatch scans from startOffset and returns the first page with at least
// one item for which exclude reports false. Fully absorbed pages are skipped.
// On exhaustion the batch is empty and NewOffset is 0. A catalog error aborts
// the scan with no progress reported.
func (c *Cursor) NextBatch(ctx context.Context, key string, startOffset int, exclude func(id int64) bool) (Batch, error) {
	ctx, span := tracer.Start(ctx, "triage.Cursor.NextBatch", trace.WithAttributes(
		attribute.String("winnow.partition", key),
		attribute.Int("winnow.cursor.start_offset", startOffset),
		attribute.Int("winnow.cursor.page_size", c.opts.PageSize),
	))
	defer span.End()

	start := time.Now()
	if startOffset < 0 {
		startOffset = 0
	}
	if exclude == nil {
		exclude = func(int64) bool { return false }
	}

	offset := startOffset
	for pages := 0; pages < c.opts.MaxPagesToScan; pages++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.hooks.batch("error", pages, time.Since(start).Seconds())
			return Batch{}, err
		}

		page, err := c.catalog.ListByPartition(ctx, key, offset, c.opts.PageSize)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.hooks.batch("error", pages, time.Since(start).Seconds())
			return Batch{}, fmt.Errorf("list partition %s at offset %d: %w", key, offset, err)
		}

		if len(page) == 0 {
			return c.exhausted(ctx, span, key, startOffset, pages, start, "catalog end"), nil
		}

		survivors := make([]Item, 0, len(page))
		for _, it := range page {
			if !exclude(it.ID) {
				survivors = append(survivors, it)
			}
		}
		offset += len(page)

		if len(survivors) > 0 {
			b := Batch{Items: survivors, NewOffset: offset, PagesScanned: pages + 1}
			span.SetAttributes(
				attribute.Int("winnow.cursor.new_offset", offset),
				attribute.Int("winnow.cursor.pages_scanned", b.PagesScanned),
				attribute.Int("winnow.cursor.items", len(survivors)),
			)
			c.hooks.batch("items", b.PagesScanned, time.Since(start).Seconds())
			return b, nil
		}

		// a short page is the last one
		if len(page) < c.opts.PageSize {
			return c.exhausted(ctx, span, key, startOffset, pages+1, start, "catalog end"), nil
		}
	}

	return c.exhausted(ctx, span, key, startOffset, c.opts.MaxPagesToScan, start, "scan limit"), nil
}

func (c *Cursor) exhausted(ctx context.Context, span trace.Span, key string, startOffset, pages int, start time.Time, reason string) Batch {
	span.SetAttributes(
		attribute.Bool("winnow.cursor.exhausted", true),
		attribute.Int("winnow.cursor.pages_scanned", pages),
	)
	c.hooks.batch("exhausted", pages, time.Since(start).Seconds())
	c.logger.Info(ctx, "partition exhausted",
		"partition", key,
		"start_offset", startOffset,
		"pages_scanned", pages,
		"reason", reason,
	)
	return Batch{Items: []Item{}, NewOffset: 0, Exhausted: true, PagesScanned: pages}
}
