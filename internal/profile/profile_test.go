package profile

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/rs/zerolog"
)

type fakeEvents struct {
	events   []storage.FeedbackEvent
	articles map[string]storage.Article
	topics   map[string][]string
	tracked  []storage.TrackedArticle
	loadErr  error
}

func (f *fakeEvents) LoadEvents(_ context.Context, userID string) ([]storage.FeedbackEvent, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	var out []storage.FeedbackEvent
	for _, ev := range f.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEvents) GetArticles(_ context.Context, ids []string) (map[string]storage.Article, error) {
	out := make(map[string]storage.Article)
	for _, id := range ids {
		if a, ok := f.articles[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (f *fakeEvents) DecisionTopics(_ context.Context, _ string, ids []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, id := range ids {
		if topics, ok := f.topics[id]; ok {
			out[id] = topics
		}
	}
	return out, nil
}

func (f *fakeEvents) TrackedArticles(_ context.Context, userID string) ([]storage.TrackedArticle, error) {
	var out []storage.TrackedArticle
	for _, t := range f.tracked {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// fakeVectors derives a deterministic vector from the article ID.
type fakeVectors struct {
	fail  map[string]bool
	calls int
}

func (v *fakeVectors) ForArticle(_ context.Context, a storage.Article) ([]float32, error) {
	v.calls++
	if v.fail[a.ID] {
		return nil, fmt.Errorf("embed %s: model unavailable", a.ID)
	}
	return []float32{float32(len(a.ID)), float32(a.ID[len(a.ID)-1]), 1}, nil
}

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// likes builds n like events for items item0..item{n-1} plus their articles.
func likes(n int) *fakeEvents {
	f := &fakeEvents{articles: make(map[string]storage.Article)}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("item%d", i)
		f.articles[id] = storage.Article{ID: id, Title: "Title " + id}
		f.events = append(f.events, storage.FeedbackEvent{
			ID: int64(i + 1), ItemID: id, UserID: "u", Signal: storage.Like,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}
	return f
}

func TestBuildFourLikesIsCold(t *testing.T) {
	vectors := &fakeVectors{}
	b := NewBuilder(likes(4), vectors, DefaultWarmThreshold, zerolog.Nop())

	p, err := b.Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.Phase != Cold || p.PromptMode != Generic {
		t.Errorf("phase = %v/%s, want cold/generic", p.Phase, p.PromptMode)
	}
	if len(p.LikedEmbeddings) != 0 {
		t.Error("cold profile must not carry embeddings")
	}
	if vectors.calls != 0 {
		t.Errorf("cold build embedded %d items", vectors.calls)
	}
	if p.PositiveCount != 4 {
		t.Errorf("positive count = %d", p.PositiveCount)
	}
}

func TestBuildFiveLikesIsWarm(t *testing.T) {
	b := NewBuilder(likes(5), &fakeVectors{}, DefaultWarmThreshold, zerolog.Nop())

	p, err := b.Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.Phase != Warm || p.PromptMode != Personalized {
		t.Errorf("phase = %v/%s, want warm/personalized", p.Phase, p.PromptMode)
	}
	if len(p.LikedEmbeddings) != 5 {
		t.Errorf("expected 5 embeddings, got %d", len(p.LikedEmbeddings))
	}
	want := []string{"item0", "item1", "item2", "item3", "item4"}
	if !reflect.DeepEqual(p.LikedItemIDs, want) {
		t.Errorf("liked ids = %v, want %v", p.LikedItemIDs, want)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	events := likes(7)
	events.events = append(events.events, storage.FeedbackEvent{
		ID: 100, ItemID: "item2", UserID: "u", Signal: storage.Dislike, CreatedAt: t0.Add(time.Hour),
	})
	b := NewBuilder(events, &fakeVectors{}, DefaultWarmThreshold, zerolog.Nop())

	first, err := b.Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	second, err := b.Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("profiles differ:\n%+v\n%+v", first, second)
	}
}

func TestResolveLatestWins(t *testing.T) {
	events := []storage.FeedbackEvent{
		{ID: 1, ItemID: "X", Signal: storage.Like, CreatedAt: t0},
		{ID: 2, ItemID: "X", Signal: storage.Dislike, CreatedAt: t0.Add(time.Second)},
	}
	got := Resolve(events)
	if len(got) != 1 || got[0].Signal != storage.Dislike {
		t.Fatalf("resolved = %+v, want single dislike", got)
	}

	// Input order does not matter; time does.
	reversed := []storage.FeedbackEvent{events[1], events[0]}
	got = Resolve(reversed)
	if got[0].Signal != storage.Dislike {
		t.Errorf("resolution depends on input order: %+v", got)
	}
}

func TestResolveTieUsesSequence(t *testing.T) {
	events := []storage.FeedbackEvent{
		{ID: 8, ItemID: "X", Signal: storage.Dislike, CreatedAt: t0},
		{ID: 3, ItemID: "X", Signal: storage.Like, CreatedAt: t0},
	}
	got := Resolve(events)
	if got[0].Signal != storage.Dislike {
		t.Errorf("expected higher sequence to win, got %v", got[0].Signal)
	}
}

func TestBuildUnlikeDropsBelowThreshold(t *testing.T) {
	events := likes(5)
	events.events = append(events.events, storage.FeedbackEvent{
		ID: 50, ItemID: "item0", UserID: "u", Signal: storage.Dislike, CreatedAt: t0.Add(time.Hour),
	})
	b := NewBuilder(events, &fakeVectors{}, DefaultWarmThreshold, zerolog.Nop())

	p, err := b.Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.Phase != Cold {
		t.Errorf("phase = %v, want cold after unliking", p.Phase)
	}
	if p.PositiveCount != 4 || p.NegativeCount != 1 {
		t.Errorf("counts = +%d/-%d", p.PositiveCount, p.NegativeCount)
	}
	if len(p.DislikedTitles) != 1 || p.DislikedTitles[0] != "Title item0" {
		t.Errorf("disliked titles = %v", p.DislikedTitles)
	}
	if p.EventCount != 6 {
		t.Errorf("event count = %d", p.EventCount)
	}
}

func TestBuildSkipsFailedEmbeddings(t *testing.T) {
	vectors := &fakeVectors{fail: map[string]bool{"item1": true}}
	b := NewBuilder(likes(6), vectors, DefaultWarmThreshold, zerolog.Nop())

	p, err := b.Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.Phase != Warm {
		t.Errorf("phase = %v, want warm", p.Phase)
	}
	if len(p.LikedEmbeddings) != 5 {
		t.Errorf("expected 5 usable embeddings, got %d", len(p.LikedEmbeddings))
	}
	for _, id := range p.LikedItemIDs {
		if id == "item1" {
			t.Error("failed item must not be in the liked set")
		}
	}
}

func TestBuildWarmWithoutEmbeddingsFails(t *testing.T) {
	fail := map[string]bool{}
	for i := 0; i < 5; i++ {
		fail[fmt.Sprintf("item%d", i)] = true
	}
	b := NewBuilder(likes(5), &fakeVectors{fail: fail}, DefaultWarmThreshold, zerolog.Nop())

	_, err := b.Build(context.Background(), "u")
	var pbe *ProfileBuildError
	if !errors.As(err, &pbe) {
		t.Fatalf("expected *ProfileBuildError, got %v", err)
	}
	if pbe.UserID != "u" {
		t.Errorf("user = %q", pbe.UserID)
	}
}

func TestBuildWrapsStorageError(t *testing.T) {
	cause := &storage.StorageError{Op: "load events", Err: errors.New("disk I/O error")}
	b := NewBuilder(&fakeEvents{loadErr: cause}, &fakeVectors{}, DefaultWarmThreshold, zerolog.Nop())

	_, err := b.Build(context.Background(), "u")
	var pbe *ProfileBuildError
	if !errors.As(err, &pbe) {
		t.Fatalf("expected *ProfileBuildError, got %v", err)
	}
	if !storage.IsStorageError(err) {
		t.Error("storage cause lost")
	}
}

func TestBuildNoEvents(t *testing.T) {
	b := NewBuilder(&fakeEvents{}, &fakeVectors{}, 0, zerolog.Nop())
	if b.Threshold() != DefaultWarmThreshold {
		t.Errorf("threshold = %d", b.Threshold())
	}

	p, err := b.Build(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.Phase != Cold || p.EventCount != 0 {
		t.Errorf("profile = %+v", p)
	}
}

func TestBuildCustomThreshold(t *testing.T) {
	b := NewBuilder(likes(2), &fakeVectors{}, 2, zerolog.Nop())
	p, err := b.Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.Phase != Warm {
		t.Errorf("phase = %v, want warm at threshold 2", p.Phase)
	}
}

func TestBuildLikedTopicsRankedByFrequency(t *testing.T) {
	events := likes(3)
	events.events = append(events.events, storage.FeedbackEvent{
		ID: 90, ItemID: "gone", UserID: "u", Signal: storage.Dislike, CreatedAt: t0.Add(time.Hour),
	})
	events.topics = map[string][]string{
		"item0": {"compilers", "Rust"},
		"item1": {"rust", "databases"},
		"item2": {"databases", "RUST", " "},
		"gone":  {"sports"},
	}
	b := NewBuilder(events, &fakeVectors{}, DefaultWarmThreshold, zerolog.Nop())

	p, err := b.Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []string{"Rust", "databases", "compilers"}
	if !reflect.DeepEqual(p.LikedTopics, want) {
		t.Errorf("liked topics = %v, want %v", p.LikedTopics, want)
	}
}

func TestBuildLikedTopicsCapped(t *testing.T) {
	events := likes(1)
	var topics []string
	for i := 0; i < 20; i++ {
		topics = append(topics, fmt.Sprintf("topic%02d", i))
	}
	events.topics = map[string][]string{"item0": topics}
	b := NewBuilder(events, &fakeVectors{}, DefaultWarmThreshold, zerolog.Nop())

	p, err := b.Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(p.LikedTopics) != maxLikedTopics {
		t.Fatalf("got %d topics, want %d", len(p.LikedTopics), maxLikedTopics)
	}
	if p.LikedTopics[0] != "topic00" || p.LikedTopics[14] != "topic14" {
		t.Errorf("ties lost first-seen order: %v", p.LikedTopics)
	}
}

func tracked(ids ...string) []storage.TrackedArticle {
	var out []storage.TrackedArticle
	for _, id := range ids {
		out = append(out, storage.TrackedArticle{UserID: "u", ItemID: id, URL: "https://example.com/" + id, Title: id})
	}
	return out
}

func TestBuildTrackedArticlesDoNotWarmUp(t *testing.T) {
	events := likes(4)
	events.tracked = tracked("trackA", "trackB", "trackC")
	vectors := &fakeVectors{}
	b := NewBuilder(events, vectors, DefaultWarmThreshold, zerolog.Nop())

	p, err := b.Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.Phase != Cold {
		t.Errorf("phase = %v, want cold: tracked pages are not likes", p.Phase)
	}
	if p.TrackedCount != 3 {
		t.Errorf("tracked count = %d", p.TrackedCount)
	}
	if len(p.LikedEmbeddings) != 0 || vectors.calls != 0 {
		t.Errorf("cold profile embedded tracked pages: %d vectors, %d calls", len(p.LikedEmbeddings), vectors.calls)
	}
}

func TestBuildWarmAppendsTrackedVectors(t *testing.T) {
	events := likes(5)
	events.tracked = tracked("trackA", "trackB")
	vectors := &fakeVectors{fail: map[string]bool{"trackB": true}}
	b := NewBuilder(events, vectors, DefaultWarmThreshold, zerolog.Nop())

	p, err := b.Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.Phase != Warm || p.PositiveCount != 5 {
		t.Fatalf("phase = %v, positives = %d", p.Phase, p.PositiveCount)
	}
	if len(p.LikedEmbeddings) != 6 {
		t.Fatalf("expected 5 liked + 1 tracked vectors, got %d", len(p.LikedEmbeddings))
	}
	if !reflect.DeepEqual(p.TrackedItemIDs, []string{"trackA"}) {
		t.Errorf("tracked ids = %v", p.TrackedItemIDs)
	}
	if len(p.LikedItemIDs) != 5 {
		t.Errorf("tracked pages leaked into liked ids: %v", p.LikedItemIDs)
	}
	last := p.LikedEmbeddings[5]
	if last[0] != float32(len("trackA")) || last[1] != float32('A') {
		t.Errorf("last vector = %v, want trackA's", last)
	}
}
