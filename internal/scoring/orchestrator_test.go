package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adriannowak/ai-feed/internal/ai"
	"github.com/adriannowak/ai-feed/internal/notify"
	"github.com/adriannowak/ai-feed/internal/profile"
	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/rs/zerolog"
)

// --- fakes ---

// memStore is an in-memory Store with optional failure injection.
type memStore struct {
	mu        sync.Mutex
	articles  map[string]storage.Article
	decisions map[string]storage.Decision // key: user/item
	saveErr   error
	saves     int
}

func newMemStore(articles ...storage.Article) *memStore {
	s := &memStore{articles: make(map[string]storage.Article), decisions: make(map[string]storage.Decision)}
	for _, a := range articles {
		s.articles[a.ID] = a
	}
	return s
}

func key(userID, itemID string) string { return userID + "/" + itemID }

func (s *memStore) GetArticles(_ context.Context, ids []string) (map[string]storage.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]storage.Article)
	for _, id := range ids {
		if a, ok := s.articles[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (s *memStore) DecidedItems(_ context.Context, userID string, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := s.decisions[key(userID, id)]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s *memStore) SaveDecision(_ context.Context, d storage.Decision) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return false, s.saveErr
	}
	s.saves++
	k := key(d.UserID, d.ItemID)
	if _, ok := s.decisions[k]; ok {
		return false, nil
	}
	s.decisions[k] = d
	return true, nil
}

func (s *memStore) PendingDeliveries(_ context.Context, userID string) ([]storage.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Decision
	for _, d := range s.decisions {
		if d.UserID == userID && d.Notify && d.DeliveredAt == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) MarkDelivered(_ context.Context, userID, itemID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.decisions[key(userID, itemID)]
	d.DeliveredAt = &at
	s.decisions[key(userID, itemID)] = d
	return nil
}

func (s *memStore) decision(userID, itemID string) (storage.Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[key(userID, itemID)]
	return d, ok
}

type staticProfiles struct {
	p   *profile.Profile
	err error
}

func (s staticProfiles) Build(context.Context, string) (*profile.Profile, error) {
	return s.p, s.err
}

// countingJudge returns relevant for items in the relevant set.
type countingJudge struct {
	mu       sync.Mutex
	relevant map[string]bool
	scores   map[string]float64
	fail     bool
	calls    map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newJudge(relevant ...string) *countingJudge {
	j := &countingJudge{relevant: make(map[string]bool), calls: make(map[string]int)}
	for _, id := range relevant {
		j.relevant[id] = true
	}
	return j
}

func (j *countingJudge) Judge(_ context.Context, a storage.Article, _ *profile.Profile) ai.Verdict {
	n := j.inFlight.Add(1)
	defer j.inFlight.Add(-1)
	for {
		peak := j.peak.Load()
		if n <= peak || j.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if j.delay > 0 {
		time.Sleep(j.delay)
	}

	j.mu.Lock()
	j.calls[a.ID]++
	j.mu.Unlock()

	if j.fail {
		return ai.Verdict{Degraded: true, Rationale: "judge unavailable", Attempts: 4, Err: errors.New("down")}
	}
	score := 50.0
	if j.relevant[a.ID] {
		score = 90
	}
	if s, ok := j.scores[a.ID]; ok {
		score = s
	}
	return ai.Verdict{Relevant: j.relevant[a.ID], Rationale: "because", Score: &score, Attempts: 1}
}

func (j *countingJudge) total() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, c := range j.calls {
		n += c
	}
	return n
}

// panicPrefilter fails the test if the cold path ever reaches it.
type panicPrefilter struct{ t *testing.T }

func (p panicPrefilter) Shortlist(context.Context, []storage.Article, *profile.Profile, int, float64) ai.Shortlist {
	p.t.Fatal("pre-filter must not run in the cold phase")
	return ai.Shortlist{}
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n notify.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, n)
	return nil
}

// vectorTable serves fixed embeddings by article ID.
type vectorTable map[string][]float32

func (v vectorTable) ForArticle(_ context.Context, a storage.Article) ([]float32, error) {
	vec, ok := v[a.ID]
	if !ok {
		return nil, &ai.EmbeddingError{ItemID: a.ID, Err: errors.New("no vector")}
	}
	return vec, nil
}

// unit returns a 2-d unit vector whose cosine with (1,0) is c.
func unit(c float64) []float32 {
	return []float32{float32(c), float32(math.Sqrt(1 - c*c))}
}

func articles(ids ...string) []storage.Article {
	out := make([]storage.Article, len(ids))
	for i, id := range ids {
		out[i] = storage.Article{ID: id, Title: "Title " + id, URL: "https://example.com/" + id}
	}
	return out
}

var coldProfile = &profile.Profile{UserID: "u", Phase: profile.Cold, PromptMode: profile.Generic}

func warmProfile() *profile.Profile {
	return &profile.Profile{
		UserID:          "u",
		Phase:           profile.Warm,
		PromptMode:      profile.Personalized,
		LikedEmbeddings: [][]float32{{1, 0}},
		PositiveCount:   6,
	}
}

// --- tests ---

func TestRunColdJudgesEveryCandidate(t *testing.T) {
	cands := articles("a", "b", "c")
	store := newMemStore(cands...)
	judge := newJudge("b")
	disp := &recordingDispatcher{}
	o := NewOrchestrator(store, staticProfiles{p: coldProfile}, panicPrefilter{t}, judge, disp, Options{Concurrency: 2, Logger: zerolog.Nop()})

	report, err := o.Run(context.Background(), "u", cands)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if judge.total() != 3 {
		t.Errorf("judge calls = %d, want 3", judge.total())
	}
	if report.Phase != profile.Cold || report.Judged != 3 || report.Notified != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(disp.sent) != 1 || disp.sent[0].Article.ID != "b" {
		t.Errorf("dispatched = %+v", disp.sent)
	}
	d, _ := store.decision("u", "b")
	if !d.Notify || d.Phase != "cold" || d.RunID != report.RunID || d.DeliveredAt == nil {
		t.Errorf("decision = %+v", d)
	}
	if d.Similarity != nil {
		t.Error("cold decisions carry no similarity")
	}
}

func TestRunLowScoreVetoesRelevantVerdict(t *testing.T) {
	cands := articles("low", "high", "edge")
	store := newMemStore(cands...)
	judge := newJudge("low", "high", "edge")
	judge.scores = map[string]float64{"low": 5, "edge": 65}
	disp := &recordingDispatcher{}
	o := NewOrchestrator(store, staticProfiles{p: coldProfile}, panicPrefilter{t}, judge, disp, Options{MinScore: 65, Logger: zerolog.Nop()})

	report, err := o.Run(context.Background(), "u", cands)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Notified != 2 || len(disp.sent) != 2 {
		t.Errorf("notified = %d, dispatched = %d, want 2", report.Notified, len(disp.sent))
	}
	low, _ := store.decision("u", "low")
	if low.Notify {
		t.Error("relevant verdict with score 5 notified")
	}
	if low.Rationale != "score 5 below 65: because" || low.Score == nil || *low.Score != 5 {
		t.Errorf("low decision = %+v", low)
	}
	if edge, _ := store.decision("u", "edge"); !edge.Notify {
		t.Error("score equal to the minimum must notify")
	}
}

func TestRunSamePairTwiceDecidesOnce(t *testing.T) {
	cands := articles("x")
	store := newMemStore(cands...)
	judge := newJudge("x")
	disp := &recordingDispatcher{}
	o := NewOrchestrator(store, staticProfiles{p: coldProfile}, panicPrefilter{t}, judge, disp, Options{Logger: zerolog.Nop()})

	first, err := o.Run(context.Background(), "u", cands)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	second, err := o.Run(context.Background(), "u", cands)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	if judge.total() != 1 {
		t.Errorf("judge called %d times, want 1", judge.total())
	}
	if second.AlreadyDecided != 1 || len(second.Decisions) != 0 {
		t.Errorf("second report = %+v", second)
	}
	if len(disp.sent) != 1 {
		t.Errorf("dispatched %d times, want 1", len(disp.sent))
	}
	d, _ := store.decision("u", "x")
	if d.RunID != first.RunID {
		t.Error("decision overwritten by second run")
	}
}

func TestRunDedupsWithinBatch(t *testing.T) {
	cands := append(articles("a", "a"), storage.Article{})
	store := newMemStore(cands[0])
	judge := newJudge()
	o := NewOrchestrator(store, staticProfiles{p: coldProfile}, panicPrefilter{t}, judge, &recordingDispatcher{}, Options{Logger: zerolog.Nop()})

	if _, err := o.Run(context.Background(), "u", cands); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if judge.total() != 1 {
		t.Errorf("judge calls = %d, want 1", judge.total())
	}
}

func TestRunDecisionsArePerUser(t *testing.T) {
	cands := articles("x")
	store := newMemStore(cands...)
	judge := newJudge()
	o := NewOrchestrator(store, staticProfiles{p: coldProfile}, panicPrefilter{t}, judge, &recordingDispatcher{}, Options{Logger: zerolog.Nop()})

	o.Run(context.Background(), "alice", cands)
	o.Run(context.Background(), "bob", cands)
	if judge.total() != 2 {
		t.Errorf("judge calls = %d, want one per user", judge.total())
	}
}

func TestRunWarmTopKLimitsJudgeCalls(t *testing.T) {
	cands := articles("a", "b", "c", "d", "e")
	vectors := vectorTable{"a": unit(0.91), "b": unit(0.99), "c": unit(0.95), "d": unit(0.93), "e": unit(0.97)}
	store := newMemStore(cands...)
	judge := newJudge("b", "e", "c")
	o := NewOrchestrator(store, staticProfiles{p: warmProfile()}, ai.NewPrefilter(vectors, zerolog.Nop()), judge, &recordingDispatcher{},
		Options{TopK: 3, MinSimilarity: 0.5, Concurrency: 4, Logger: zerolog.Nop()})

	report, err := o.Run(context.Background(), "u", cands)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if judge.total() != 3 {
		t.Errorf("judge calls = %d, want exactly 3", judge.total())
	}
	for _, id := range []string{"a", "d"} {
		if judge.calls[id] != 0 {
			t.Errorf("%s judged despite being outside top-k", id)
		}
		d, ok := store.decision("u", id)
		if !ok || d.Notify || d.Similarity == nil {
			t.Errorf("top-k overflow %s decision = %+v, %v", id, d, ok)
		}
	}
	if report.Prefiltered != 2 || report.Notified != 3 {
		t.Errorf("report = %+v", report)
	}
}

func TestRunWarmEmbeddingFailureLeavesUndecided(t *testing.T) {
	cands := articles("ok", "broken")
	store := newMemStore(cands...)
	judge := newJudge("ok")
	o := NewOrchestrator(store, staticProfiles{p: warmProfile()}, ai.NewPrefilter(vectorTable{"ok": unit(0.9)}, zerolog.Nop()), judge, &recordingDispatcher{},
		Options{MinSimilarity: 0.7, Logger: zerolog.Nop()})

	report, err := o.Run(context.Background(), "u", cands)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.EmbedFailed != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := store.decision("u", "broken"); ok {
		t.Error("embedding failure must not produce a decision")
	}
}

func TestRunJudgeFailureDeniesAndContinues(t *testing.T) {
	cands := articles("a", "b")
	store := newMemStore(cands...)
	judge := newJudge("a", "b")
	judge.fail = true
	disp := &recordingDispatcher{}
	o := NewOrchestrator(store, staticProfiles{p: coldProfile}, panicPrefilter{t}, judge, disp, Options{Logger: zerolog.Nop()})

	report, err := o.Run(context.Background(), "u", cands)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Degraded != 2 || report.Notified != 0 || len(disp.sent) != 0 {
		t.Errorf("report = %+v", report)
	}
	for _, id := range []string{"a", "b"} {
		d, ok := store.decision("u", id)
		if !ok || d.Notify || !d.Degraded {
			t.Errorf("decision %s = %+v", id, d)
		}
	}
}

func TestRunProfileErrorFallsBackToCold(t *testing.T) {
	cands := articles("a")
	store := newMemStore(cands...)
	judge := newJudge()
	pbe := &profile.ProfileBuildError{UserID: "u", Err: errors.New("no usable embeddings")}
	o := NewOrchestrator(store, staticProfiles{err: pbe}, panicPrefilter{t}, judge, &recordingDispatcher{}, Options{Logger: zerolog.Nop()})

	report, err := o.Run(context.Background(), "u", cands)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Fallback || report.Phase != profile.Cold || judge.total() != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestRunProfileStorageErrorAborts(t *testing.T) {
	cands := articles("a")
	cause := &storage.StorageError{Op: "load events", Err: errors.New("disk full")}
	judge := newJudge()
	o := NewOrchestrator(newMemStore(cands...), staticProfiles{err: &profile.ProfileBuildError{UserID: "u", Err: cause}},
		panicPrefilter{t}, judge, &recordingDispatcher{}, Options{Logger: zerolog.Nop()})

	_, err := o.Run(context.Background(), "u", cands)
	if !storage.IsStorageError(err) || !IsFatal(err) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if judge.total() != 0 {
		t.Error("judge must not run after a storage failure")
	}
}

func TestRunPersistFailureAborts(t *testing.T) {
	cands := articles("a", "b")
	store := newMemStore(cands...)
	store.saveErr = &storage.StorageError{Op: "save decision", Err: errors.New("readonly database")}
	disp := &recordingDispatcher{}
	o := NewOrchestrator(store, staticProfiles{p: coldProfile}, panicPrefilter{t}, newJudge("a", "b"), disp, Options{Logger: zerolog.Nop()})

	_, err := o.Run(context.Background(), "u", cands)
	var se *storage.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %v", err)
	}
	if len(disp.sent) != 0 {
		t.Error("nothing may be dispatched for an unpersisted decision")
	}
}

func TestRunZeroCandidates(t *testing.T) {
	o := NewOrchestrator(newMemStore(), staticProfiles{err: errors.New("must not build")}, panicPrefilter{t}, newJudge(), &recordingDispatcher{}, Options{Logger: zerolog.Nop()})
	report, err := o.Run(context.Background(), "u", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Candidates != 0 || len(report.Decisions) != 0 || report.RunID == "" {
		t.Errorf("report = %+v", report)
	}
}

func TestRunDispatchFailureIsRedelivered(t *testing.T) {
	cands := articles("a")
	store := newMemStore(cands...)
	disp := &recordingDispatcher{err: errors.New("telegram down")}
	o := NewOrchestrator(store, staticProfiles{p: coldProfile}, panicPrefilter{t}, newJudge("a"), disp, Options{Logger: zerolog.Nop()})

	report, err := o.Run(context.Background(), "u", cands)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.DispatchFailed != 1 {
		t.Errorf("report = %+v", report)
	}
	d, _ := store.decision("u", "a")
	if !d.Notify || d.DeliveredAt != nil {
		t.Errorf("decision = %+v", d)
	}

	disp.err = nil
	report, err = o.Run(context.Background(), "u", cands)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if report.Redelivered != 1 || len(disp.sent) != 1 {
		t.Errorf("redelivery report = %+v, sent = %d", report, len(disp.sent))
	}
	d, _ = store.decision("u", "a")
	if d.DeliveredAt == nil {
		t.Error("redelivered decision not marked")
	}
}

func TestRunJudgeConcurrencyIsBounded(t *testing.T) {
	var ids []string
	for i := 0; i < 12; i++ {
		ids = append(ids, fmt.Sprintf("item%d", i))
	}
	cands := articles(ids...)
	judge := newJudge()
	judge.delay = 5 * time.Millisecond
	o := NewOrchestrator(newMemStore(cands...), staticProfiles{p: coldProfile}, panicPrefilter{t}, judge, &recordingDispatcher{}, Options{Concurrency: 3, Logger: zerolog.Nop()})

	if _, err := o.Run(context.Background(), "u", cands); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if judge.peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", judge.peak.Load())
	}
	if judge.total() != 12 {
		t.Errorf("judge calls = %d", judge.total())
	}
}

func TestRunCancelledDoesNotPersist(t *testing.T) {
	cands := articles("a")
	store := newMemStore(cands...)
	o := NewOrchestrator(store, staticProfiles{p: coldProfile}, panicPrefilter{t}, newJudge("a"), &recordingDispatcher{}, Options{Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx, "u", cands)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := store.decision("u", "a"); ok {
		t.Error("cancelled run persisted a decision")
	}
}

// TestEndToEndWarm wires the real store, profile builder and pre-filter.
func TestEndToEndWarm(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	vectors := vectorTable{"close": unit(0.9), "far": unit(0.3)}
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("liked%d", i)
		vectors[id] = []float32{1, 0}
		store.SaveArticle(ctx, storage.Article{ID: id, FeedURL: "f", Title: id, URL: "https://example.com/" + id})
		if err := store.RecordFeedback(ctx, storage.FeedbackEvent{ItemID: id, UserID: "u", Signal: storage.Like, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("RecordFeedback failed: %v", err)
		}
	}
	cands := articles("close", "far")
	for _, a := range cands {
		a.FeedURL = "f"
		store.SaveArticle(ctx, a)
	}

	builder := profile.NewBuilder(store, vectors, profile.DefaultWarmThreshold, zerolog.Nop())
	judge := newJudge("close", "far")
	disp := &recordingDispatcher{}
	o := NewOrchestrator(store, builder, ai.NewPrefilter(vectors, zerolog.Nop()), judge, disp,
		Options{TopK: 10, MinSimilarity: 0.7, Concurrency: 2, Logger: zerolog.Nop()})

	report, err := o.Run(ctx, "u", cands)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Phase != profile.Warm {
		t.Fatalf("phase = %v, want warm", report.Phase)
	}

	near, err := store.GetDecision(ctx, "u", "close")
	if err != nil {
		t.Fatalf("GetDecision(close): %v", err)
	}
	if !near.Notify || near.Phase != "warm" || near.Similarity == nil || math.Abs(*near.Similarity-0.9) > 1e-3 {
		t.Errorf("close decision = %+v", near)
	}

	far, err := store.GetDecision(ctx, "u", "far")
	if err != nil {
		t.Fatalf("GetDecision(far): %v", err)
	}
	if far.Notify {
		t.Error("far article must not notify")
	}
	if judge.calls["far"] != 0 {
		t.Error("far article reached the judge")
	}
	if len(disp.sent) != 1 || disp.sent[0].Article.ID != "close" {
		t.Errorf("dispatched = %+v", disp.sent)
	}

	pending, _ := store.PendingDeliveries(ctx, "u")
	if len(pending) != 0 {
		t.Errorf("pending after delivery = %d", len(pending))
	}
}

// TestEndToEndTrackedLiftsCandidate shows a tracked page pulling a candidate
// over the similarity floor that the liked items alone would not clear.
func TestEndToEndTrackedLiftsCandidate(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Liked items sit on (1,0); the tracked page and the niche candidate
	// both sit on (0,1).
	vectors := vectorTable{"niche": unit(0.05), "tracked": unit(0)}
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("liked%d", i)
		vectors[id] = []float32{1, 0}
		store.SaveArticle(ctx, storage.Article{ID: id, FeedURL: "f", Title: id, URL: "https://example.com/" + id})
		store.RecordFeedback(ctx, storage.FeedbackEvent{ItemID: id, UserID: "u", Signal: storage.Like, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	cands := articles("niche")
	cands[0].FeedURL = "f"
	store.SaveArticle(ctx, cands[0])

	run := func(o *Orchestrator) *Report {
		t.Helper()
		report, err := o.Run(ctx, "u", cands)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return report
	}
	opts := Options{TopK: 10, MinSimilarity: 0.7, Concurrency: 1, Logger: zerolog.Nop()}
	builder := profile.NewBuilder(store, vectors, profile.DefaultWarmThreshold, zerolog.Nop())

	// Without tracking, the candidate stays below the floor. Run against a
	// throwaway decision log so the real one stays clean.
	before := run(NewOrchestrator(newMemStore(cands...), builder, ai.NewPrefilter(vectors, zerolog.Nop()), newJudge("niche"), &recordingDispatcher{}, opts))
	if before.Judged != 0 {
		t.Fatalf("judged %d before tracking", before.Judged)
	}

	if _, err := store.SaveTrackedArticle(ctx, storage.TrackedArticle{UserID: "u", ItemID: "tracked", URL: "https://example.com/tracked", Title: "tracked"}); err != nil {
		t.Fatalf("SaveTrackedArticle failed: %v", err)
	}
	p, err := builder.Build(ctx, "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.Phase != profile.Warm || p.PositiveCount != 5 || len(p.LikedEmbeddings) != 6 {
		t.Fatalf("profile = phase %v, +%d, %d vectors", p.Phase, p.PositiveCount, len(p.LikedEmbeddings))
	}

	disp := &recordingDispatcher{}
	after := run(NewOrchestrator(store, builder, ai.NewPrefilter(vectors, zerolog.Nop()), newJudge("niche"), disp, opts))
	if after.Judged != 1 {
		t.Fatalf("judged %d after tracking, want 1", after.Judged)
	}
	d, err := store.GetDecision(ctx, "u", "niche")
	if err != nil {
		t.Fatalf("GetDecision failed: %v", err)
	}
	if !d.Notify || d.Similarity == nil || *d.Similarity < 0.7 {
		t.Errorf("decision = %+v", d)
	}
	if len(disp.sent) != 1 {
		t.Errorf("dispatched %d, want 1", len(disp.sent))
	}
}
