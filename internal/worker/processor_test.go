package worker

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"social-autopilot/internal/breaker"
	"social-autopilot/internal/errors"
	"social-autopilot/internal/guard"
	"social-autopilot/internal/ingest"
	"social-autopilot/internal/models"
	"social-autopilot/internal/posts"
)

type fakeStore struct {
	pingErr error
	cfg     models.AutomationConfig
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) GetAutomationConfig(context.Context) (models.AutomationConfig, error) {
	return s.cfg, nil
}

type fakePublisher struct {
	released, processed int
	err                 error
}

func (p *fakePublisher) ReleaseStale(context.Context) (int, error) {
	p.released++
	return 0, nil
}

func (p *fakePublisher) ProcessDue(context.Context) (posts.ProcessResult, error) {
	p.processed++
	if p.err != nil {
		return posts.ProcessResult{}, p.err
	}
	return posts.ProcessResult{Posted: 1}, nil
}

type fakeAutomation struct {
	runs int
	err  error
}

func (a *fakeAutomation) Run(_ context.Context, trigger models.Trigger) (models.Run, error) {
	a.runs++
	if a.err != nil {
		return models.Run{}, a.err
	}
	return models.Run{ID: "run-1", Trigger: trigger, Status: models.RunCompleted}, nil
}

type fakeIngester struct {
	rss, sources int
}

func (i *fakeIngester) IngestRSS(context.Context) (ingest.Result, error) {
	i.rss++
	return ingest.Result{Inserted: 2}, nil
}

func (i *fakeIngester) IngestSources(context.Context) (ingest.Result, error) {
	i.sources++
	return ingest.Result{}, errors.Wrap(errors.ErrNotConfigured, "X fetcher not configured")
}

type fixture struct {
	store      *fakeStore
	publisher  *fakePublisher
	automation *fakeAutomation
	ingester   *fakeIngester
	now        time.Time
	proc       *Processor
}

func newFixture(opts Options) *fixture {
	cfg := models.DefaultAutomationConfig()
	cfg.Enabled = true
	cfg.PostingTimes = []string{"09:00"}
	f := &fixture{
		store:      &fakeStore{cfg: cfg},
		publisher:  &fakePublisher{},
		automation: &fakeAutomation{},
		ingester:   &fakeIngester{},
		now:        time.Date(2024, 6, 1, 9, 5, 0, 0, time.UTC),
	}
	opts.Now = func() time.Time { return f.now }
	if opts.RSSFetchHours == nil {
		opts.RSSFetchHours = []int{9}
	}
	f.proc = NewProcessor(f.store, f.publisher, f.automation, f.ingester, opts)
	return f
}

func TestTickRunsEveryStep(t *testing.T) {
	f := newFixture(Options{})
	res, err := f.proc.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.publisher.released != 1 || f.publisher.processed != 1 {
		t.Fatalf("publisher not driven: %+v", f.publisher)
	}
	if res.Processed.Posted != 1 {
		t.Fatalf("processed result lost: %+v", res.Processed)
	}
	if res.Run == nil || res.Run.ID != "run-1" {
		t.Fatalf("expected automation run, got %+v", res.Run)
	}
	if res.RSS == nil || res.RSS.Inserted != 2 {
		t.Fatalf("expected rss ingestion, got %+v", res.RSS)
	}
	if res.Sources == nil || f.ingester.sources != 1 {
		t.Fatalf("expected source ingestion")
	}
}

func TestAutomationRunsOncePerSlot(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	for _, at := range []time.Time{
		time.Date(2024, 6, 1, 8, 50, 0, 0, time.UTC),
		time.Date(2024, 6, 1, 9, 5, 0, 0, time.UTC),
		time.Date(2024, 6, 1, 9, 25, 0, 0, time.UTC),
	} {
		f.now = at
		if _, err := f.proc.Tick(ctx); err != nil {
			t.Fatalf("tick at %s: %v", at, err)
		}
	}
	if f.automation.runs != 1 {
		t.Fatalf("expected 1 run for the 09:00 slot, got %d", f.automation.runs)
	}

	f.now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	if _, err := f.proc.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if f.automation.runs != 1 {
		t.Fatalf("ran outside the posting window")
	}

	f.now = time.Date(2024, 6, 2, 9, 1, 0, 0, time.UTC)
	if _, err := f.proc.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if f.automation.runs != 2 {
		t.Fatalf("expected next day's slot to run, got %d runs", f.automation.runs)
	}
}

func TestAutomationConflictStillMarksSlot(t *testing.T) {
	f := newFixture(Options{})
	f.automation.err = errors.Wrap(errors.ErrConflict, "another automation run is in progress")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := f.proc.Tick(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.Run != nil {
			t.Fatalf("no run expected on conflict")
		}
	}
	if f.automation.runs != 1 {
		t.Fatalf("slot should be remembered after a conflict, got %d attempts", f.automation.runs)
	}
}

func TestRSSIngestionOncePerHour(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	f.now = time.Date(2024, 6, 1, 9, 2, 0, 0, time.UTC)
	_, _ = f.proc.Tick(ctx)
	f.now = time.Date(2024, 6, 1, 9, 7, 0, 0, time.UTC)
	_, _ = f.proc.Tick(ctx)
	f.now = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	_, _ = f.proc.Tick(ctx)

	if f.ingester.rss != 1 {
		t.Fatalf("expected one rss ingestion in the 09 UTC window, got %d", f.ingester.rss)
	}
	if f.ingester.sources != 3 {
		t.Fatalf("source ingestion should run every tick, got %d", f.ingester.sources)
	}
}

func TestTickStopsWhenDatabaseUnreachable(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "database", FailureThreshold: 2, Timeout: time.Minute})
	f := newFixture(Options{Database: guard.New(b, nil)})
	f.store.pingErr = errors.New("connection refused")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.proc.Tick(ctx); err == nil {
			t.Fatalf("expected tick %d to fail", i)
		}
	}
	_, err := f.proc.Tick(ctx)
	if !errors.Is(err, errors.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if f.publisher.processed != 0 || f.automation.runs != 0 {
		t.Fatalf("nothing should run without a database")
	}
}

func TestDatabaseBreakerOnlyGuardsPing(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "database", FailureThreshold: 1, Timeout: time.Minute})
	f := newFixture(Options{Database: guard.New(b, nil)})
	f.publisher.err = errors.New("claim failed: deadlock detected")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.proc.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if f.publisher.processed != 3 {
		t.Fatalf("expected 3 passes, got %d", f.publisher.processed)
	}
	if b.State() != breaker.StateClosed {
		t.Fatalf("step errors must not trip the database breaker, state %s", b.State())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b9 := backoffWithJitter(base, max, 9)
	if b9 < max/2 || b9 > max {
		t.Fatalf("backoff not capped: %s", b9)
	}
}
