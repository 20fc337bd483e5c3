package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/colthorp/labsheets-cli-go/internal/api"
	"github.com/colthorp/labsheets-cli-go/internal/logging"
	"github.com/colthorp/labsheets-cli-go/internal/output"
)

// Exporter renders templates and hands them to a Sink.
type Exporter struct {
	sink    Sink
	student Student
	limiter *rate.Limiter
	now     func() time.Time
	log     zerolog.Logger
}

// Options configures an Exporter.
type Options struct {
	Student Student
	// Interval spaces consecutive saves; zero disables pacing.
	Interval time.Duration
	Now      func() time.Time
}

// NewExporter creates an exporter saving into sink.
func NewExporter(sink Sink, opts Options) *Exporter {
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Student == (Student{}) {
		opts.Student = NewStudent("", "")
	}
	return &Exporter{
		sink:    sink,
		student: opts.Student,
		limiter: rate.NewLimiter(limit, 1),
		now:     opts.Now,
		log:     logging.WithComponent("export"),
	}
}

// Export renders and saves the template for one record.
func (e *Exporter) Export(ctx context.Context, rec api.SubmissionRecord) (Result, error) {
	tmpl := NewTemplate(rec, e.student, e.now())

	var buf bytes.Buffer
	if err := tmpl.Render(&buf); err != nil {
		return Result{}, err
	}
	return e.sink.Save(ctx, Request{FileName: tmpl.FileName(), Content: buf.Bytes()})
}

// ExportPending saves one template per record that still needs one (see
// output.NeedsTemplate), paced by the
// configured interval. A failed item is logged and skipped; the joined
// errors are returned with whatever was saved.
func (e *Exporter) ExportPending(ctx context.Context, records []api.SubmissionRecord) ([]Result, error) {
	var (
		results []Result
		errs    []error
	)
	for _, rec := range records {
		if !output.NeedsTemplate(rec) {
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}

		res, err := e.Export(ctx, rec)
		if err != nil {
			e.log.Warn().Err(err).Str("event", rec.DisplayName()).Msg("template export failed")
			errs = append(errs, fmt.Errorf("%s: %w", rec.DisplayName(), err))
			continue
		}
		e.log.Info().Str("file", res.FileName).Msg("template saved")
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
