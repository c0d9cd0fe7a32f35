package library

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestResetStagesIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	stages := []Stage{StageDownload, StageProcessAudio, StageTranscribe, StageVectorize, StageNotify}

	for i := 0; i < 2; i++ {
		if err := store.ResetStages(ctx, "B1", "ggml-base.en", stages); err != nil {
			t.Fatalf("ResetStages #%d: %v", i+1, err)
		}
	}
	rows, err := store.StageProgress(ctx, "B1")
	if err != nil {
		t.Fatalf("StageProgress: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 tracked rows, got %d", len(rows))
	}
	want := []Stage{StageDownload, StageTranscribe, StageVectorize}
	for i, row := range rows {
		if row.Stage != want[i] || row.Status != StatusPending || row.Model != "ggml-base.en" {
			t.Fatalf("row %d = %+v", i, row)
		}
	}
}

func TestResetStagesSupportsPartialRerun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.ResetStages(ctx, "B1", "m", TrackedStages()); err != nil {
		t.Fatalf("ResetStages: %v", err)
	}
	if err := store.ResetStages(ctx, "B1", "m", []Stage{StageTranscribe}); err != nil {
		t.Fatalf("ResetStages partial: %v", err)
	}
	rows, err := store.StageProgress(ctx, "B1")
	if err != nil {
		t.Fatalf("StageProgress: %v", err)
	}
	if len(rows) != 1 || rows[0].Stage != StageTranscribe {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestUpdateStageProgressCreatesMissingRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.UpdateStageProgress(ctx, "fresh", StageDownload, "m", StageUpdate{Progress: Float64Ptr(12.5)})
	if err != nil {
		t.Fatalf("UpdateStageProgress: %v", err)
	}
	book, err := store.GetBook(ctx, "fresh")
	if err != nil || book == nil {
		t.Fatalf("expected book to be created, got %v %v", book, err)
	}
	rows, err := store.StageProgress(ctx, "fresh")
	if err != nil {
		t.Fatalf("StageProgress: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != StatusPending || rows[0].Progress == nil || *rows[0].Progress != 12.5 {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestUpsertStageDefaultsOnlyApplyOnCreate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	defaults := StageUpdate{Progress: Float64Ptr(5)}
	if err := store.UpsertStage(ctx, "B1", StageVectorize, defaults, StageUpdate{Status: StatusPtr(StatusRunning)}, ""); err != nil {
		t.Fatalf("UpsertStage create: %v", err)
	}
	if err := store.UpsertStage(ctx, "B1", StageVectorize, StageUpdate{Progress: Float64Ptr(99)}, StageUpdate{Error: StringPtr("x")}, ""); err != nil {
		t.Fatalf("UpsertStage update: %v", err)
	}
	rows, err := store.StageProgress(ctx, "B1")
	if err != nil {
		t.Fatalf("StageProgress: %v", err)
	}
	row := rows[0]
	if row.Status != StatusRunning || row.Progress == nil || *row.Progress != 5 || row.Error != "x" {
		t.Fatalf("unexpected merge result %+v", row)
	}
}

func TestConcurrentStageUpdatesDoNotLoseWrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.ResetStages(ctx, "B1", "m", TrackedStages()); err != nil {
		t.Fatalf("ResetStages: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for _, stage := range []Stage{StageDownload, StageTranscribe} {
		wg.Add(1)
		go func(stage Stage) {
			defer wg.Done()
			for i := 1; i <= 50; i++ {
				if err := store.UpdateStageProgress(ctx, "B1", stage, "m", StageUpdate{Progress: Float64Ptr(float64(i * 2))}); err != nil {
					errs <- err
					return
				}
			}
		}(stage)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent update: %v", err)
	}

	rows, err := store.StageProgress(ctx, "B1")
	if err != nil {
		t.Fatalf("StageProgress: %v", err)
	}
	for _, row := range rows {
		switch row.Stage {
		case StageDownload, StageTranscribe:
			if row.Progress == nil || *row.Progress != 100 {
				t.Fatalf("%s lost updates: %+v", row.Stage, row)
			}
		}
	}
}

func TestGenerationGatesFlagWrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.ResetBook(ctx, "B1", "m")
	if err != nil {
		t.Fatalf("ResetBook: %v", err)
	}
	second, err := store.ResetBook(ctx, "B1", "m2")
	if err != nil {
		t.Fatalf("ResetBook: %v", err)
	}
	if second != first+1 {
		t.Fatalf("generation did not advance: %d -> %d", first, second)
	}

	applied, err := store.SetFlag(ctx, "B1", FlagDownloaded, true, first)
	if err != nil {
		t.Fatalf("SetFlag stale: %v", err)
	}
	if applied {
		t.Fatal("stale generation must not apply")
	}
	applied, err = store.SetFlag(ctx, "B1", FlagDownloaded, true, second)
	if err != nil || !applied {
		t.Fatalf("current generation should apply: %v %v", applied, err)
	}
	book, err := store.GetBook(ctx, "B1")
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if !book.Downloaded || book.Model != "m2" || book.Setup {
		t.Fatalf("unexpected book %+v", book)
	}
}

func TestResetBookClearsFlags(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	gen, err := store.ResetBook(ctx, "B1", "m")
	if err != nil {
		t.Fatalf("ResetBook: %v", err)
	}
	for _, flag := range []Flag{FlagDownloaded, FlagAudioProcessed, FlagTranscribed, FlagVectorized} {
		if _, err := store.SetFlag(ctx, "B1", flag, true, gen); err != nil {
			t.Fatalf("SetFlag %s: %v", flag, err)
		}
	}
	book, _ := store.GetBook(ctx, "B1")
	if !book.Ready() {
		t.Fatalf("expected ready book, got %+v", book)
	}
	if _, err := store.ResetBook(ctx, "B1", "m"); err != nil {
		t.Fatalf("ResetBook: %v", err)
	}
	book, _ = store.GetBook(ctx, "B1")
	if book.Ready() || book.Downloaded || book.Vectorized {
		t.Fatalf("flags not reset: %+v", book)
	}
}

func TestStageLifecycleAndProgress(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	gen, err := store.ResetBook(ctx, "B1", "m")
	if err != nil {
		t.Fatalf("ResetBook: %v", err)
	}
	if err := store.ResetStages(ctx, "B1", "m", TrackedStages()); err != nil {
		t.Fatalf("ResetStages: %v", err)
	}

	report, err := store.Progress(ctx, "B1")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if report.CurrentStage != StageDownload || report.Ready {
		t.Fatalf("unexpected initial report %+v", report)
	}

	if _, err := store.BeginStage(ctx, "B1", StageDownload, "m", gen); err != nil {
		t.Fatalf("BeginStage: %v", err)
	}
	clock = base.Add(90 * time.Second)
	applied, err := store.CompleteStage(ctx, "B1", StageDownload, "m", gen)
	if err != nil || !applied {
		t.Fatalf("CompleteStage: %v %v", applied, err)
	}
	if _, err := store.BeginStage(ctx, "B1", StageTranscribe, "m", gen); err != nil {
		t.Fatalf("BeginStage: %v", err)
	}

	report, err = store.Progress(ctx, "B1")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if report.CurrentStage != StageTranscribe {
		t.Fatalf("current stage = %s, want transcribe", report.CurrentStage)
	}
	if got := report.Stages[0].Elapsed(); got != 90*time.Second {
		t.Fatalf("download elapsed = %s", got)
	}
	if !report.Book.Downloaded {
		t.Fatal("download flag not set")
	}

	if _, err := store.FailStage(ctx, "B1", StageTranscribe, "m", "whisper exited 1", gen); err != nil {
		t.Fatalf("FailStage: %v", err)
	}
	report, _ = store.Progress(ctx, "B1")
	if report.CurrentStage != StageTranscribe || report.Stages[1].Status != StatusFailed || report.Stages[1].Error != "whisper exited 1" {
		t.Fatalf("unexpected failed report %+v", report.Stages)
	}
	if report.Book.Transcribed {
		t.Fatal("failed stage must not set its flag")
	}
}

func TestRecomputeSetup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	gen, _ := store.ResetBook(ctx, "B1", "m")
	if err := store.ResetStages(ctx, "B1", "m", []Stage{StageDownload, StageVectorize}); err != nil {
		t.Fatalf("ResetStages: %v", err)
	}
	if _, err := store.CompleteStage(ctx, "B1", StageDownload, "m", gen); err != nil {
		t.Fatalf("CompleteStage: %v", err)
	}
	setup, err := store.RecomputeSetup(ctx, "B1")
	if err != nil || setup {
		t.Fatalf("setup should be false: %v %v", setup, err)
	}
	if _, err := store.CompleteStage(ctx, "B1", StageVectorize, "m", gen); err != nil {
		t.Fatalf("CompleteStage: %v", err)
	}
	setup, err = store.RecomputeSetup(ctx, "B1")
	if err != nil || !setup {
		t.Fatalf("setup should be true: %v %v", setup, err)
	}
}

func TestSegmentsReplaceAndNearest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	gen, err := store.ResetBook(ctx, "B1", "base")
	if err != nil {
		t.Fatalf("ResetBook: %v", err)
	}
	old := []Segment{{Text: "old", StartMs: 0, EndMs: 1000}}
	if _, err := store.ReplaceSegments(ctx, "B1", "tiny", gen, old); err != nil {
		t.Fatalf("ReplaceSegments: %v", err)
	}
	segments := []Segment{
		{Text: "third", StartMs: 20000, EndMs: 25000, FileIno: "ino-2"},
		{Text: "first", StartMs: 0, EndMs: 5000, FileIno: "ino-1"},
		{Text: "second", StartMs: 5000, EndMs: 10000, FileIno: "ino-1"},
	}
	if _, err := store.ReplaceSegments(ctx, "B1", "base", gen, segments); err != nil {
		t.Fatalf("ReplaceSegments: %v", err)
	}

	got, err := store.Segments(ctx, "B1", "")
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(got) != 3 || got[0].Text != "first" || got[2].Text != "third" {
		t.Fatalf("unexpected segments %+v", got)
	}
	if other, _ := store.Segments(ctx, "B1", "tiny"); len(other) != 0 {
		t.Fatalf("previous model segments should be replaced, got %+v", other)
	}

	seg, err := store.NearestSegment(ctx, "B1", 7000)
	if err != nil || seg == nil || seg.Text != "second" {
		t.Fatalf("containing segment = %+v, %v", seg, err)
	}
	seg, err = store.NearestSegment(ctx, "B1", 18000)
	if err != nil || seg == nil || seg.Text != "third" {
		t.Fatalf("nearest segment = %+v, %v", seg, err)
	}
	seg, err = store.NearestSegment(ctx, "missing", 0)
	if err != nil || seg != nil {
		t.Fatalf("expected nil for missing book, got %+v, %v", seg, err)
	}
}

func TestDeleteBookCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	gen, err := store.ResetBook(ctx, "B1", "m")
	if err != nil {
		t.Fatalf("ResetBook: %v", err)
	}
	if err := store.ResetStages(ctx, "B1", "m", TrackedStages()); err != nil {
		t.Fatalf("ResetStages: %v", err)
	}
	if _, err := store.ReplaceSegments(ctx, "B1", "m", gen, []Segment{{Text: "hi", StartMs: 0, EndMs: 10}}); err != nil {
		t.Fatalf("ReplaceSegments: %v", err)
	}
	if err := store.DeleteBook(ctx, "B1"); err != nil {
		t.Fatalf("DeleteBook: %v", err)
	}
	if rows, _ := store.StageProgress(ctx, "B1"); len(rows) != 0 {
		t.Fatalf("stage rows survived: %+v", rows)
	}
	if segs, _ := store.Segments(ctx, "B1", ""); len(segs) != 0 {
		t.Fatalf("segments survived: %+v", segs)
	}
	if book, _ := store.GetBook(ctx, "B1"); book != nil {
		t.Fatalf("book survived: %+v", book)
	}
}

func TestFailPendingAndFavorites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.ResetStages(ctx, "B1", "m", TrackedStages()); err != nil {
		t.Fatalf("ResetStages: %v", err)
	}
	if err := store.UpdateStageProgress(ctx, "B1", StageDownload, "m", StageUpdate{Status: StatusPtr(StatusRunning)}); err != nil {
		t.Fatalf("UpdateStageProgress: %v", err)
	}
	n, err := store.FailPending(ctx, "B1", "cancelled")
	if err != nil || n != 2 {
		t.Fatalf("FailPending = %d, %v", n, err)
	}
	if err := store.SetFavorite(ctx, "B1", true); err != nil {
		t.Fatalf("SetFavorite: %v", err)
	}
	if err := store.SetFavorite(ctx, "nope", true); err == nil {
		t.Fatal("expected error for missing book")
	}
	books, err := store.ListBooks(ctx)
	if err != nil || len(books) != 1 || !books[0].Favorite {
		t.Fatalf("ListBooks = %+v, %v", books, err)
	}
}

func TestStaleGenerationWritesAreSkipped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	oldGen, _ := store.ResetBook(ctx, "B1", "m")
	if _, err := store.BeginStage(ctx, "B1", StageTranscribe, "m", oldGen); err != nil {
		t.Fatalf("BeginStage: %v", err)
	}

	newGen, err := store.ResetBook(ctx, "B1", "m")
	if err != nil {
		t.Fatalf("ResetBook: %v", err)
	}
	if err := store.ResetStages(ctx, "B1", "m", TrackedStages()); err != nil {
		t.Fatalf("ResetStages: %v", err)
	}
	imported := []Segment{{Text: "imported", StartMs: 0, EndMs: 1000}}
	if applied, err := store.ReplaceSegments(ctx, "B1", "m", newGen, imported); err != nil || !applied {
		t.Fatalf("ReplaceSegments current: %v %v", applied, err)
	}

	stale := []Segment{{Text: "stale", StartMs: 0, EndMs: 1000}}
	if applied, err := store.ReplaceSegments(ctx, "B1", "m", oldGen, stale); err != nil || applied {
		t.Fatalf("stale ReplaceSegments applied=%v err=%v", applied, err)
	}
	if applied, err := store.CompleteStage(ctx, "B1", StageTranscribe, "m", oldGen); err != nil || applied {
		t.Fatalf("stale CompleteStage applied=%v err=%v", applied, err)
	}
	if applied, err := store.FailStage(ctx, "B1", StageTranscribe, "m", "late failure", oldGen); err != nil || applied {
		t.Fatalf("stale FailStage applied=%v err=%v", applied, err)
	}
	if applied, err := store.BeginStage(ctx, "B1", StageDownload, "m", oldGen); err != nil || applied {
		t.Fatalf("stale BeginStage applied=%v err=%v", applied, err)
	}

	rows, err := store.StageProgress(ctx, "B1")
	if err != nil {
		t.Fatalf("StageProgress: %v", err)
	}
	for _, row := range rows {
		if row.Status != StatusPending {
			t.Fatalf("row %s = %s, want pending", row.Stage, row.Status)
		}
	}
	book, _ := store.GetBook(ctx, "B1")
	if book.Transcribed {
		t.Fatal("stale completion set the transcribed flag")
	}
	segs, _ := store.Segments(ctx, "B1", "")
	if len(segs) != 1 || segs[0].Text != "imported" {
		t.Fatalf("segments = %+v", segs)
	}

	if applied, err := store.UpdateStageAt(ctx, "B1", StageTranscribe, "m", newGen, StageUpdate{Progress: Float64Ptr(40)}); err != nil || !applied {
		t.Fatalf("UpdateStageAt current: %v %v", applied, err)
	}
	if applied, err := store.UpdateStageAt(ctx, "B1", StageTranscribe, "m", oldGen, StageUpdate{Progress: Float64Ptr(90)}); err != nil || applied {
		t.Fatalf("stale UpdateStageAt applied=%v err=%v", applied, err)
	}
}
