package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/detector"
	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/store/memory"
)

const leader = "0x1111111111111111111111111111111111111111"

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeSource struct {
	name string
	ch   chan domain.TradeSignal

	mu    sync.Mutex
	watch []common.Address
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, ch: make(chan domain.TradeSignal, 16)}
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Start(context.Context) error { return nil }
func (f *fakeSource) Stop() {}
func (f *fakeSource) Signals() <-chan domain.TradeSignal { return f.ch }
func (f *fakeSource) Stats() detector.SourceStats { return detector.SourceStats{} }
func (f *fakeSource) UpdateWatchlist(traders []common.Address) {
	f.mu.Lock()
	f.watch = traders
	f.mu.Unlock()
}

func (f *fakeSource) watched() []common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watch
}

type fakeProcessor struct {
	sized     atomic.Int32
	processed atomic.Int32
	started   chan dispatch.Job
	release   chan struct{}
}

func (p *fakeProcessor) Size(context.Context, domain.FollowerConfig, domain.TradeSignal) dispatch.Sizing {
	p.sized.Add(1)
	return dispatch.Sizing{SizeUSDC: 5, Price: 0.5, Slippage: 0.02}
}

func (p *fakeProcessor) Process(ctx context.Context, job dispatch.Job) error {
	if p.started != nil {
		p.started <- job
	}
	if p.release != nil {
		<-p.release
	}
	p.processed.Add(1)
	return nil
}

type fakeMarkets struct {
	info domain.MarketInfo
	err  error
}

func (m fakeMarkets) MarketByToken(context.Context, string) (domain.MarketInfo, error) {
	return m.info, m.err
}

func followers(ids ...string) []domain.FollowerConfig {
	out := make([]domain.FollowerConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.FollowerConfig{
			ID:            id,
			LeaderAddress: leader,
			ProxyAddress:  "0x2222222222222222222222222222222222222222",
			Mode:          domain.SizingPercentage,
			SizeScale:     0.1,
			AutoExecute:   true,
			Active:        true,
		})
	}
	return out
}

func signal(pending bool) domain.TradeSignal {
	return domain.TradeSignal{
		TraderAddress: "0x1111111111111111111111111111111111111111",
		Side:          domain.OrderSideBuy,
		TokenID:       "123",
		Size:          100,
		Price:         0.5,
		SourceTxHash:  "0xabc",
		IsPending:     pending,
		Source:        domain.SourceMempool,
	}
}

func newTestSupervisor(t *testing.T, cfg Config, deps Deps) *Supervisor {
	t.Helper()
	if deps.Queue == nil {
		deps.Queue = dispatch.NewMemoryQueue(100)
	}
	if deps.Dedup == nil {
		deps.Dedup = memory.NewDedupStore()
	}
	s := New(deps, cfg, quietLogger())
	if err := s.RefreshConfigs(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func drain(t *testing.T, q dispatch.Queue) []dispatch.Job {
	t.Helper()
	var jobs []dispatch.Job
	for {
		job, ok, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return jobs
		}
		jobs = append(jobs, job)
	}
}

func TestPendingSignalSizesAheadOfConfirmation(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcessor{}
	s := newTestSupervisor(t, Config{}, Deps{Processor: proc, Static: followers("a", "b")})

	if n := s.Dispatch(ctx, signal(true)); n != 0 {
		t.Fatalf("pending enqueued %d jobs, want 0", n)
	}
	if got := proc.sized.Load(); got != 2 {
		t.Fatalf("sized %d, want 2", got)
	}
	if n := s.Dispatch(ctx, signal(false)); n != 2 {
		t.Fatalf("confirmed enqueued %d jobs, want 2", n)
	}

	jobs := drain(t, s.deps.Queue)
	for _, j := range jobs {
		if j.Sizing == nil || j.Sizing.SizeUSDC != 5 {
			t.Fatalf("job %s missing pre-computed sizing: %+v", j.Config.ID, j.Sizing)
		}
	}
	if s.sizes.len() != 0 {
		t.Fatalf("sizing cache not consumed: %d left", s.sizes.len())
	}
}

func TestExecutePendingSignalsEnqueuesImmediately(t *testing.T) {
	proc := &fakeProcessor{}
	s := newTestSupervisor(t, Config{ExecutePendingSignals: true}, Deps{Processor: proc, Static: followers("a")})

	if n := s.Dispatch(context.Background(), signal(true)); n != 1 {
		t.Fatalf("enqueued %d, want 1", n)
	}
	if proc.sized.Load() != 0 {
		t.Fatal("pending signal should not be pre-sized when executed directly")
	}
}

func TestCriticalLoadPausesPendingDispatch(t *testing.T) {
	ctx := context.Background()
	q := dispatch.NewMemoryQueue(100)
	for i := 0; i < 10; i++ {
		q.Enqueue(ctx, dispatch.Job{})
	}
	proc := &fakeProcessor{}
	s := newTestSupervisor(t, Config{
		ExecutePendingSignals: true,
		Shedding:              SheddingConfig{DepthWarn: 5, DepthCritical: 10},
	}, Deps{Processor: proc, Queue: q, Static: followers("a")})

	if lvl := s.shedder.Check(ctx); lvl != LevelCritical {
		t.Fatalf("level = %s, want critical", lvl)
	}
	if n := s.Dispatch(ctx, signal(true)); n != 0 {
		t.Fatalf("pending dispatched under critical load: %d", n)
	}
	if n := s.Dispatch(ctx, signal(false)); n != 1 {
		t.Fatalf("confirmed dispatched %d, want 1", n)
	}
}

func TestShedderLevels(t *testing.T) {
	sh := NewShedder(dispatch.NewMemoryQueue(1), SheddingConfig{
		LagWarn: time.Second, LagCritical: 5 * time.Second, DepthWarn: 100, DepthCritical: 1000,
	}, nil, quietLogger())

	tests := []struct {
		name string
		st   dispatch.Stats
		want Level
	}{
		{"idle", dispatch.Stats{}, LevelNormal},
		{"lag warn", dispatch.Stats{LagP95: 2 * time.Second}, LevelWarn},
		{"depth warn", dispatch.Stats{Depth: 150}, LevelWarn},
		{"lag critical", dispatch.Stats{LagP95: 6 * time.Second}, LevelCritical},
		{"depth critical", dispatch.Stats{Depth: 1000}, LevelCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sh.Evaluate(tt.st); got != tt.want {
				t.Fatalf("Evaluate = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClosedMarketSkipped(t *testing.T) {
	tests := []struct {
		name    string
		markets fakeMarkets
		want    int
	}{
		{"open", fakeMarkets{info: domain.MarketInfo{Slug: "m", Active: true}}, 1},
		{"closed", fakeMarkets{info: domain.MarketInfo{Slug: "m", Active: true, Closed: true}}, 0},
		{"lookup error", fakeMarkets{err: errors.New("gamma down")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(t, Config{}, Deps{
				Processor: &fakeProcessor{},
				Markets:   tt.markets,
				Static:    followers("a"),
			})
			if n := s.Dispatch(context.Background(), signal(false)); n != tt.want {
				t.Fatalf("enqueued %d, want %d", n, tt.want)
			}
		})
	}
}

func TestRefreshConfigsBuildsWatchlist(t *testing.T) {
	src := newFakeSource("test")
	inactive := followers("off")[0]
	inactive.Active = false
	inactive.LeaderAddress = "0x3333333333333333333333333333333333333333"

	stored := followers("b")[0]
	stored.SizeScale = 0.5
	store := memory.NewFollowerConfigStore(stored)

	s := newTestSupervisor(t, Config{}, Deps{
		Processor: &fakeProcessor{},
		Sources:   []detector.Source{src},
		Configs:   store,
		Static:    append(followers("a", "b"), inactive),
	})

	w := src.watched()
	if len(w) != 1 || w[0] != common.HexToAddress(leader) {
		t.Fatalf("watchlist = %v", w)
	}
	if _, ok := s.Config("off"); ok {
		t.Fatal("inactive config indexed")
	}
	b, ok := s.Config("b")
	if !ok || b.SizeScale != 0.5 {
		t.Fatalf("stored config should override static: %+v", b)
	}
	if got := len(s.followersOf(leader)); got != 2 {
		t.Fatalf("followers = %d, want 2", got)
	}
}

func TestStopDrainsInFlightJob(t *testing.T) {
	src := newFakeSource("test")
	proc := &fakeProcessor{
		started: make(chan dispatch.Job, 1),
		release: make(chan struct{}),
	}
	s := newTestSupervisor(t, Config{Workers: 2, DrainInterval: 10 * time.Millisecond}, Deps{
		Processor: proc,
		Sources:   []detector.Source{src},
		Static:    followers("a"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Start = %v, want ErrRunning", err)
	}

	src.ch <- signal(false)
	select {
	case <-proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never reached a worker")
	}

	cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(proc.release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if proc.processed.Load() != 1 {
		t.Fatalf("processed = %d, want 1", proc.processed.Load())
	}
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"30 3 * * *", false},
		{"*/15 * * * 1-5", false},
		{"0 0,12 1 * *", false},
		{"0 3 * *", true},
		{"60 * * * *", true},
		{"5-1 * * * *", true},
		{"*/0 * * * *", true},
	}
	for _, tt := range tests {
		_, err := parseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCron(%q) err = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestCronNext(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 7, 30, 0, time.UTC) // Monday
	tests := []struct {
		expr string
		want time.Time
	}{
		{"30 3 * * *", time.Date(2026, 3, 3, 3, 30, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)},
		{"0 9 * * 6", time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		c, err := parseCron(tt.expr)
		if err != nil {
			t.Fatal(err)
		}
		got, err := c.next(base)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("next(%q) = %s, want %s", tt.expr, got, tt.want)
		}
	}
}

type recordingArchive struct{ before []time.Time }

func (r *recordingArchive) ArchiveCopyTrades(_ context.Context, before time.Time) (int, error) {
	r.before = append(r.before, before)
	return 3, nil
}

func TestArchiveOnceUsesRetentionCutoff(t *testing.T) {
	rec := &recordingArchive{}
	a, err := NewArchiver(rec, 7*24*time.Hour, "0 4 * * *", quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	a.now = func() time.Time { return time.Date(2026, 5, 20, 4, 0, 0, 0, time.UTC) }

	if err := a.ArchiveOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 5, 13, 0, 0, 0, 0, time.UTC)
	if len(rec.before) != 1 || !rec.before[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %s", rec.before, want)
	}

	if _, err := NewArchiver(rec, 0, "bad", quietLogger()); err == nil {
		t.Fatal("invalid schedule accepted")
	}
}

type staticSnapshot []domain.TokenState

func (s staticSnapshot) Snapshot() []domain.TokenState { return s }

func TestPositionFlusherFlushesOnStop(t *testing.T) {
	store := memory.NewPositionStore()
	f := NewPositionFlusher(staticSnapshot{{TokenID: "123"}}, store, time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Run(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := store.LoadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TokenID != "123" {
		t.Fatalf("saved = %+v", got)
	}
}
