package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/capture-tender/session"
	"github.com/onnwee/capture-tender/testutil"
)

func TestRoomUniquenessEnforcedByStorage(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database)
	ctx := context.Background()
	store := session.NewStore(database)

	if _, err := store.CreateCapturing(ctx, "b1", "r1", time.Now().UTC(), nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := store.CreateCapturing(ctx, "b2", "r1", time.Now().UTC(), nil)
	if err != session.ErrAlreadyCapturing {
		t.Fatalf("second create err = %v, want ErrAlreadyCapturing", err)
	}

	// A different room is fine, and an ended session frees the room.
	if _, err := store.CreateCapturing(ctx, "b3", "r2", time.Now().UTC(), nil); err != nil {
		t.Fatalf("different room: %v", err)
	}
}

func TestMarkEndedIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database)
	ctx := context.Background()
	store := session.NewStore(database)

	id, err := store.CreateCapturing(ctx, "b1", "r1", time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := store.MarkEnded(ctx, id)
	if err != nil || res != session.TransitionApplied {
		t.Fatalf("first MarkEnded = %s, %v", res, err)
	}
	first, err := store.Get(ctx, id)
	if err != nil || first.EndedAt == nil {
		t.Fatalf("get after end: %+v, %v", first, err)
	}

	res, err = store.MarkEnded(ctx, id)
	if err != nil || res != session.TransitionAlreadyDone {
		t.Fatalf("second MarkEnded = %s, %v", res, err)
	}
	second, _ := store.Get(ctx, id)
	if !second.EndedAt.Equal(*first.EndedAt) {
		t.Fatal("ended_at moved on repeated MarkEnded")
	}

	// The room is free again.
	if _, err := store.CreateCapturing(ctx, "b2", "r1", time.Now().UTC(), nil); err != nil {
		t.Fatalf("room not freed: %v", err)
	}
}

func TestMarkReportSentConcurrentWinners(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database)
	ctx := context.Background()
	store := session.NewStore(database)

	id, err := store.CreateCapturing(ctx, "b1", "r1", time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkEnded(ctx, id); err != nil {
		t.Fatalf("end: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan session.TransitionResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.MarkReportSent(ctx, id)
			if err != nil {
				t.Errorf("MarkReportSent: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for res := range results {
		if res == session.TransitionApplied {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want exactly 1", applied)
	}
}

func TestResumeCapturing(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database)
	ctx := context.Background()
	store := session.NewStore(database)

	id, _ := store.CreateCapturing(ctx, "b1", "r1", time.Now().UTC(), nil)
	if _, err := store.MarkEnded(ctx, id); err != nil {
		t.Fatalf("end: %v", err)
	}

	res, err := store.ResumeCapturing(ctx, id)
	if err != nil || res != session.TransitionApplied {
		t.Fatalf("resume = %s, %v", res, err)
	}
	s, _ := store.Get(ctx, id)
	if s.Status != session.StatusCapturing || s.EndedAt != nil {
		t.Fatalf("session after resume = %+v", s)
	}

	// Once the report went out the session stays closed.
	if _, err := store.MarkEnded(ctx, id); err != nil {
		t.Fatalf("re-end: %v", err)
	}
	if _, err := store.MarkReportSent(ctx, id); err != nil {
		t.Fatalf("report: %v", err)
	}
	res, err = store.ResumeCapturing(ctx, id)
	if err != nil || res != session.TransitionAlreadyDone {
		t.Fatalf("resume after report = %s, %v", res, err)
	}
}

func TestResumeBlockedWhenRoomRetaken(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database)
	ctx := context.Background()
	store := session.NewStore(database)

	id, _ := store.CreateCapturing(ctx, "b1", "r1", time.Now().UTC(), nil)
	if _, err := store.MarkEnded(ctx, id); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := store.CreateCapturing(ctx, "b2", "r1", time.Now().UTC(), nil); err != nil {
		t.Fatalf("retake room: %v", err)
	}

	if _, err := store.ResumeCapturing(ctx, id); err != session.ErrAlreadyCapturing {
		t.Fatalf("resume err = %v, want ErrAlreadyCapturing", err)
	}
}

func TestInsertCommentsIgnoresDuplicates(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database)
	ctx := context.Background()
	store := session.NewStore(database)

	id, _ := store.CreateCapturing(ctx, "b1", "r1", time.Now().UTC(), nil)
	at := time.Now().UTC().Truncate(time.Microsecond)
	batch := []session.Comment{
		{SessionID: id, UserID: "u1", Username: "alice", Message: "hi", CommentedAt: at},
		{SessionID: id, UserID: "u2", Username: "bob", Message: "yo", CommentedAt: at},
	}
	stored, err := store.InsertComments(ctx, batch)
	if err != nil || stored != 2 {
		t.Fatalf("first insert = %d, %v", stored, err)
	}
	// Replaying the batch (processor retry after partial failure) is a no-op.
	stored, err = store.InsertComments(ctx, batch)
	if err != nil || stored != 0 {
		t.Fatalf("replay insert = %d, %v; want 0", stored, err)
	}
	if n, _ := store.CommentCount(ctx, id); n != 2 {
		t.Fatalf("comment count = %d, want 2", n)
	}

	later := []session.Comment{
		{SessionID: id, UserID: "u3", Username: "carol", Message: "late", CommentedAt: at.Add(time.Minute)},
	}
	if _, err := store.InsertComments(ctx, later); err != nil {
		t.Fatalf("later insert: %v", err)
	}
	got, err := store.ListComments(ctx, id, at.Add(30*time.Second), time.Time{}, 0)
	if err != nil {
		t.Fatalf("list from: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "u3" {
		t.Fatalf("range list = %+v, want only the late comment", got)
	}
	got, err = store.ListComments(ctx, id, time.Time{}, at.Add(30*time.Second), 0)
	if err != nil {
		t.Fatalf("list to: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("bounded list = %d comments, want 2", len(got))
	}
}

func TestViewerPeakAndSnapshotAggregatesMonotonic(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database)
	ctx := context.Background()
	store := session.NewStore(database)

	id, _ := store.CreateCapturing(ctx, "b1", "r1", time.Now().UTC(), nil)
	if err := store.UpdateViewerCount(ctx, id, 100, 100); err != nil {
		t.Fatalf("viewer: %v", err)
	}
	// A lower current never drags the peak down.
	if err := store.UpdateViewerCount(ctx, id, 20, 20); err != nil {
		t.Fatalf("viewer: %v", err)
	}
	s, _ := store.Get(ctx, id)
	if s.Counters.ViewerCurrent != 20 || s.Counters.ViewerPeak != 100 {
		t.Fatalf("counters = %+v", s.Counters)
	}

	snap := session.Snapshot{SessionID: id, RecordedAt: time.Now().UTC(), ViewerCount: 20, CommentCount: 5}
	if err := store.WriteSnapshot(ctx, id, snap, session.Counters{ViewerCurrent: 20, ViewerPeak: 90, Comments: 5}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	s, _ = store.Get(ctx, id)
	if s.Counters.ViewerPeak != 100 {
		t.Fatalf("peak = %d, snapshot with stale peak must not regress it", s.Counters.ViewerPeak)
	}
	if s.Counters.Comments != 5 {
		t.Fatalf("comments = %d, want 5", s.Counters.Comments)
	}
}

func TestNewerSessionExists(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database)
	ctx := context.Background()
	store := session.NewStore(database)

	start := time.Now().UTC().Add(-time.Hour)
	id, _ := store.CreateCapturing(ctx, "b1", "r1", start, nil)
	if _, err := store.MarkEnded(ctx, id); err != nil {
		t.Fatalf("end: %v", err)
	}
	endedAt := time.Now().UTC()

	// No continuation yet.
	exists, err := store.NewerSessionExists(ctx, id, "b1", endedAt, 10*time.Minute)
	if err != nil || exists {
		t.Fatalf("exists = %v, %v; want false", exists, err)
	}

	// A session starting 6 minutes later for the same broadcast supersedes.
	if _, err := store.CreateCapturing(ctx, "b1", "r1", endedAt.Add(6*time.Minute), nil); err != nil {
		t.Fatalf("continuation: %v", err)
	}
	exists, err = store.NewerSessionExists(ctx, id, "b1", endedAt, 10*time.Minute)
	if err != nil || !exists {
		t.Fatalf("exists = %v, %v; want true", exists, err)
	}
	// But not outside the gap.
	exists, err = store.NewerSessionExists(ctx, id, "b1", endedAt, 5*time.Minute)
	if err != nil || exists {
		t.Fatalf("exists = %v, %v; want false outside gap", exists, err)
	}
}

func TestLinkOverlappingBusinessSession(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database)
	ctx := context.Background()
	store := session.NewStore(database)

	id, _ := store.CreateCapturing(ctx, "b1", "r1", time.Now().UTC().Add(-time.Hour), nil)
	if _, err := store.MarkEnded(ctx, id); err != nil {
		t.Fatalf("end: %v", err)
	}

	// No active business session: no link, no error.
	linked, err := store.LinkOverlappingBusinessSession(ctx, id)
	if err != nil || linked {
		t.Fatalf("link = %v, %v; want false", linked, err)
	}

	_, err = database.Exec(
		`INSERT INTO business_sessions (title, starts_at, ends_at, active, created_at)
		 VALUES ('morning show', NOW() - INTERVAL '2 hours', NOW() + INTERVAL '2 hours', TRUE, NOW())`)
	if err != nil {
		t.Fatalf("seed business session: %v", err)
	}
	linked, err = store.LinkOverlappingBusinessSession(ctx, id)
	if err != nil || !linked {
		t.Fatalf("link = %v, %v; want true", linked, err)
	}
	s, _ := store.Get(ctx, id)
	if s.BusinessSessionID == nil {
		t.Fatal("business_session_id not set")
	}
	// Relinking is a no-op once attached.
	linked, err = store.LinkOverlappingBusinessSession(ctx, id)
	if err != nil || linked {
		t.Fatalf("relink = %v, %v; want false", linked, err)
	}
}
