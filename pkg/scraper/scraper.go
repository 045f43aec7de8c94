package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/runsync/pkg/metrics"
	"github.com/ethpandaops/runsync/pkg/partition"
	"github.com/ethpandaops/runsync/pkg/publish"
	"github.com/ethpandaops/runsync/pkg/record"
	"github.com/ethpandaops/runsync/pkg/state"
	"github.com/ethpandaops/runsync/pkg/tracker"
	"github.com/ethpandaops/runsync/pkg/watermark"
	"github.com/sirupsen/logrus"
)

// flushTimeout bounds persisting and publishing after the cycle context
// was cancelled.
const flushTimeout = 2 * time.Minute

// Config tunes a Scraper.
type Config struct {
	// Source identifies the tracked project in the state store.
	Source         string
	FilePrefix     string
	PageSize       int
	MaxCandidates  int
	ProcessedDelay time.Duration
	SkippedDelay   time.Duration
	// MaxRunFailures is how many cycles in a row a run may fail extraction
	// with a non-malformed error before it is skipped. Zero never skips.
	MaxRunFailures int
}

// Extractor turns a raw run into a record.
type Extractor interface {
	Extract(ctx context.Context, run *tracker.Run) (*record.RunRecord, error)
}

// Appender appends records to a named local file and returns its path.
type Appender interface {
	Append(fileName string, records []*record.RunRecord) (string, error)
}

// Publisher uploads files marked pending in the state store.
type Publisher interface {
	PublishPending(ctx context.Context) (*publish.Result, error)
}

// CycleResult describes one scrape cycle.
type CycleResult struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	ReferenceTime time.Time     `json:"reference_time"`
	Candidates    int           `json:"candidates"`
	Processed     int           `json:"processed"`
	Skipped       int           `json:"skipped"`
	Malformed     int           `json:"malformed"`
	CapReached    bool          `json:"cap_reached"`
	Touched       []string      `json:"touched,omitempty"`
	Published     []string      `json:"published,omitempty"`
	UploadFailed  []string      `json:"upload_failed,omitempty"`
	Watermark     *time.Time    `json:"watermark,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Status is a point-in-time view of the scraper.
type Status struct {
	Source         string       `json:"source"`
	Watermark      *time.Time   `json:"watermark,omitempty"`
	BoundaryRunIDs []string     `json:"boundary_run_ids,omitempty"`
	ReferenceTime  time.Time    `json:"reference_time"`
	Pending        []string     `json:"pending"`
	LastCycle      *CycleResult `json:"last_cycle,omitempty"`
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Scraper.
type Option func(*Scraper)

// WithSleep replaces the pacing sleep.
func WithSleep(fn SleepFunc) Option {
	return func(s *Scraper) {
		s.sleep = fn
	}
}

// WithMetrics records cycle metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scraper) {
		s.metrics = m
	}
}

// Scraper runs scrape cycles: query new runs, extract them, append them to
// date-partitioned files and publish the files.
type Scraper struct {
	log       logrus.FieldLogger
	cfg       Config
	client    tracker.Client
	extractor Extractor
	wm        *watermark.Tracker
	state     state.Store
	files     Appender
	publisher Publisher
	metrics   *metrics.Metrics
	sleep     SleepFunc

	// failures counts consecutive failed extractions per run name. Only the
	// cycle touches it.
	failures map[string]int

	mu   sync.RWMutex
	last *CycleResult
}

// New creates a Scraper.
func New(
	log logrus.FieldLogger,
	cfg Config,
	client tracker.Client,
	extractor Extractor,
	wm *watermark.Tracker,
	st state.Store,
	files Appender,
	publisher Publisher,
	opts ...Option,
) *Scraper {
	s := &Scraper{
		log:       log.WithField("component", "scraper"),
		cfg:       cfg,
		client:    client,
		extractor: extractor,
		wm:        wm,
		state:     st,
		files:     files,
		publisher: publisher,
		sleep:     sleepContext,
		failures:  make(map[string]int, 4),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// LoadState restores the watermark saved by a previous process.
func (s *Scraper) LoadState(ctx context.Context) error {
	saved, err := s.state.LoadWatermark(ctx, s.cfg.Source)
	if err != nil {
		return err
	}

	if saved == nil {
		s.log.Info("No saved watermark, starting from the lookback window")

		return nil
	}

	s.wm.Restore(*saved)

	if saved.Set {
		s.setWatermarkMetric(saved.Mark)
	}

	s.log.WithFields(logrus.Fields{
		"watermark": record.FormatTime(saved.Mark),
		"boundary":  len(saved.BoundaryRunIDs),
	}).Info("Restored watermark")

	return nil
}

// RunCycle performs one scrape cycle. Rows accepted before an error are
// always persisted and published; the returned error reports why the
// cycle stopped early.
func (s *Scraper) RunCycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{StartedAt: time.Now().UTC()}

	snapshot := s.wm.Snapshot()
	res.ReferenceTime = s.wm.ReferenceTime()

	log := s.log.WithField("reference_time", record.FormatTime(res.ReferenceTime))
	log.Info("Starting scrape cycle")

	buffer, iterErr := s.iterate(ctx, res)

	flushCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc

		flushCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
	}

	err := s.flush(flushCtx, snapshot, buffer, res)

	if mark, ok := s.wm.Value(); ok {
		res.Watermark = &mark

		s.setWatermarkMetric(mark)
	}

	res.Duration = time.Since(res.StartedAt)

	err = errors.Join(iterErr, err)
	if err != nil {
		res.Error = err.Error()
	}

	if s.metrics != nil {
		s.metrics.CycleFinished(err, res.Duration)
	}

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	log.WithFields(logrus.Fields{
		"candidates":  res.Candidates,
		"processed":   res.Processed,
		"skipped":     res.Skipped,
		"malformed":   res.Malformed,
		"cap_reached": res.CapReached,
		"files":       len(res.Touched),
		"published":   len(res.Published),
		"duration":    res.Duration.Round(time.Millisecond),
	}).Info("Scrape cycle finished")

	return res, err
}

// iterate walks the candidates and buffers accepted records. It stops at
// the end of the sequence, at the candidate cap, or at the first error
// that is not a malformed record.
func (s *Scraper) iterate(ctx context.Context, res *CycleResult) ([]*record.RunRecord, error) {
	it := s.client.Runs(ctx, tracker.RunsQuery{
		CreatedAfter: res.ReferenceTime,
		PageSize:     s.cfg.PageSize,
	})

	var buffer []*record.RunRecord

	for {
		if s.cfg.MaxCandidates > 0 && res.Candidates >= s.cfg.MaxCandidates {
			res.CapReached = true

			s.log.WithField("max_candidates", s.cfg.MaxCandidates).
				Info("Candidate cap reached, flushing partial progress")

			return buffer, nil
		}

		run, err := it.Next(ctx)
		if errors.Is(err, tracker.Done) {
			return buffer, nil
		}

		if err != nil {
			return buffer, fmt.Errorf("querying runs: %w", err)
		}

		res.Candidates++

		delay, err := s.handle(ctx, run, res, &buffer)
		if err != nil {
			return buffer, err
		}

		if err := s.sleep(ctx, delay); err != nil {
			return buffer, err
		}
	}
}

// handle processes one candidate and returns the pacing delay to apply.
func (s *Scraper) handle(
	ctx context.Context,
	run *tracker.Run,
	res *CycleResult,
	buffer *[]*record.RunRecord,
) (time.Duration, error) {
	log := s.log.WithField("run", run.Name)

	createdAt, err := record.ParseTime(run.CreatedAt)
	if err != nil {
		// Without a timestamp the watermark cannot move past it.
		log.WithError(err).Warn("Skipping run with invalid createdAt")

		res.Malformed++
		s.countCandidate(metrics.OutcomeMalformed)

		return s.cfg.SkippedDelay, nil
	}

	if !s.wm.IsNew(createdAt) || s.wm.Seen(createdAt, run.Name) {
		log.Trace("Already processed")

		res.Skipped++
		s.countCandidate(metrics.OutcomeSkipped)

		return s.cfg.SkippedDelay, nil
	}

	rec, err := s.extractor.Extract(ctx, run)
	if err != nil {
		if !record.IsMalformed(err) && !s.giveUp(ctx, run.Name) {
			return 0, fmt.Errorf("extracting %s: %w", run.Name, err)
		}

		log.WithError(err).Warn("Skipping malformed run")

		res.Malformed++
		s.countCandidate(metrics.OutcomeMalformed)
		s.wm.Advance(createdAt, run.Name)

		return s.cfg.ProcessedDelay, nil
	}

	delete(s.failures, run.Name)

	*buffer = append(*buffer, rec)

	res.Processed++
	s.countCandidate(metrics.OutcomeProcessed)
	s.wm.Advance(createdAt, run.Name)

	log.WithField("created_at", record.FormatTime(createdAt)).Debug("Accepted run")

	return s.cfg.ProcessedDelay, nil
}

// giveUp records a failed extraction of name and reports whether the run
// has now failed MaxRunFailures cycles in a row.
func (s *Scraper) giveUp(ctx context.Context, name string) bool {
	if s.cfg.MaxRunFailures <= 0 || ctx.Err() != nil {
		return false
	}

	s.failures[name]++

	if s.failures[name] < s.cfg.MaxRunFailures {
		return false
	}

	s.log.WithFields(logrus.Fields{
		"run":      name,
		"failures": s.failures[name],
	}).Warn("Run keeps failing, giving up on it")

	delete(s.failures, name)

	return true
}

// flush appends the buffer to its date files, saves state and publishes
// pending files. A failed append moves the watermark back to the last
// record of the unbroken written prefix of the buffer, so unwritten
// records are fetched again and written ones are not duplicated.
func (s *Scraper) flush(
	ctx context.Context,
	snapshot watermark.State,
	buffer []*record.RunRecord,
	res *CycleResult,
) error {
	var persistErr error

	written := make(map[*record.RunRecord]struct{}, len(buffer))

	for _, group := range partition.ByDate(s.cfg.FilePrefix, buffer) {
		path, err := s.files.Append(group.FileName, group.Records)
		if err != nil {
			persistErr = fmt.Errorf("appending to %s: %w", group.FileName, err)

			break
		}

		for _, rec := range group.Records {
			written[rec] = struct{}{}
		}

		res.Touched = append(res.Touched, path)
	}

	if persistErr != nil {
		kept := s.rollback(snapshot, buffer, written)

		s.log.WithError(persistErr).
			WithField("kept", kept).
			Error("Persist failed, rolling back watermark")
	}

	if err := s.state.Commit(ctx, s.cfg.Source, s.wm.Snapshot(), res.Touched); err != nil {
		return errors.Join(persistErr, fmt.Errorf("saving state: %w", err))
	}

	pub, err := s.publisher.PublishPending(ctx)
	if pub != nil {
		res.Published = pub.Published
		res.UploadFailed = pub.Failed
	}

	if err != nil {
		return errors.Join(persistErr, fmt.Errorf("publishing: %w", err))
	}

	return persistErr
}

// rollback restores snapshot and replays the buffered records up to the
// first one that was not written. It returns how many were replayed.
func (s *Scraper) rollback(
	snapshot watermark.State,
	buffer []*record.RunRecord,
	written map[*record.RunRecord]struct{},
) int {
	s.wm.Restore(snapshot)

	for i, rec := range buffer {
		if _, ok := written[rec]; !ok {
			return i
		}

		s.wm.Advance(rec.CreatedAt, rec.RunID)
	}

	return len(buffer)
}

// Status returns the current watermark, pending files and last cycle.
func (s *Scraper) Status(ctx context.Context) (*Status, error) {
	pending, err := s.state.ListPending(ctx, s.cfg.Source)
	if err != nil {
		return nil, err
	}

	snap := s.wm.Snapshot()

	st := &Status{
		Source:         s.cfg.Source,
		BoundaryRunIDs: snap.BoundaryRunIDs,
		ReferenceTime:  s.wm.ReferenceTime(),
		Pending:        pending,
	}

	if st.Pending == nil {
		st.Pending = []string{}
	}

	if snap.Set {
		mark := snap.Mark
		st.Watermark = &mark
	}

	s.mu.RLock()
	st.LastCycle = s.last
	s.mu.RUnlock()

	return st, nil
}

func (s *Scraper) countCandidate(outcome string) {
	if s.metrics != nil {
		s.metrics.Candidate(outcome)
	}
}

func (s *Scraper) setWatermarkMetric(t time.Time) {
	if s.metrics != nil {
		s.metrics.SetWatermark(t)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
