package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/console-relay/broker/internal/db"
	"github.com/console-relay/broker/internal/model"
)

func newRepo(t *testing.T) *SessionRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return NewSessionRepository(testDB)
}

func newSession(consoleID, ownerID string, openedAt time.Time) *model.TerminalSession {
	return &model.TerminalSession{
		ID:            uuid.NewString(),
		ConsoleID:     consoleID,
		OwnerID:       ownerID,
		WebConnID:     uuid.NewString(),
		ConsoleConnID: uuid.NewString(),
		Status:        model.SessionStatusOpen,
		OpenedAt:      openedAt,
	}
}

// A journaled session reads back with the identity it was created with, and
// finishing it records the end reason exactly once.
func TestSessionJournalRoundTripProperty(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	nonEmpty := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0 && len(s) <= 64
	})
	reasons := gen.OneConstOf(
		model.EndWebDisconnect,
		model.EndConsoleDisconnect,
		model.EndConsoleExit,
		model.EndSuperseded,
		model.EndIdleTimeout,
	)

	properties.Property("created session is retrievable and finishes closed", prop.ForAll(
		func(consoleID, ownerID string, reason model.EndReason, preview string) bool {
			s := newSession(consoleID, ownerID, time.Now().Truncate(time.Second))
			if err := repo.Create(ctx, s); err != nil {
				t.Logf("create: %v", err)
				return false
			}

			got, err := repo.GetByID(ctx, s.ID)
			if err != nil {
				t.Logf("get: %v", err)
				return false
			}
			if got.ConsoleID != consoleID || got.OwnerID != ownerID ||
				got.WebConnID != s.WebConnID || got.Status != model.SessionStatusOpen ||
				got.ClosedAt != nil || !got.OpenedAt.Equal(s.OpenedAt) {
				t.Logf("mismatch: %+v vs %+v", got, s)
				return false
			}

			s.EndReason = reason
			s.PreviewLine = preview
			if err := repo.Finish(ctx, s); err != nil {
				t.Logf("finish: %v", err)
				return false
			}

			got, err = repo.GetByID(ctx, s.ID)
			if err != nil {
				return false
			}
			return got.Status == model.SessionStatusClosed &&
				got.EndReason == reason &&
				got.PreviewLine == preview &&
				got.ClosedAt != nil
		},
		nonEmpty,
		nonEmpty,
		reasons,
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestGetByIDNotFound(t *testing.T) {
	repo := newRepo(t)
	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	err := repo.Finish(context.Background(), &model.TerminalSession{ID: "missing"})
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListByOwnerNewestFirst(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	var ids []string
	for i := 0; i < 3; i++ {
		s := newSession("C1", "U1", base.Add(time.Duration(i)*time.Minute))
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, s.ID)
	}
	if err := repo.Create(ctx, newSession("C2", "U2", base)); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.ListByOwner(ctx, "U1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(got))
	}
	for i, s := range got {
		if s.ID != ids[len(ids)-1-i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[len(ids)-1-i], s.ID)
		}
	}

	limited, err := repo.ListByOwner(ctx, "U1", 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("expected 2 sessions with limit, got %d (%v)", len(limited), err)
	}

	all, err := repo.ListByOwner(ctx, "", 0)
	if err != nil || len(all) != 4 {
		t.Fatalf("expected 4 sessions for all owners, got %d (%v)", len(all), err)
	}
}

func TestCloseOpenMarksLeftovers(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	open := newSession("C1", "U1", time.Now())
	finished := newSession("C2", "U1", time.Now())
	for _, s := range []*model.TerminalSession{open, finished} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	finished.EndReason = model.EndConsoleExit
	if err := repo.Finish(ctx, finished); err != nil {
		t.Fatalf("finish: %v", err)
	}

	n, err := repo.CloseOpen(ctx, model.EndRestart)
	if err != nil {
		t.Fatalf("close open: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 leftover session, got %d", n)
	}

	got, _ := repo.GetByID(ctx, open.ID)
	if got.Status != model.SessionStatusClosed || got.EndReason != model.EndRestart {
		t.Errorf("leftover not closed: %+v", got)
	}
	got, _ = repo.GetByID(ctx, finished.ID)
	if got.EndReason != model.EndConsoleExit {
		t.Errorf("finished session was overwritten: %+v", got)
	}

	if count, err := repo.CountOpen(ctx); err != nil || count != 0 {
		t.Errorf("expected no open sessions, got %d (%v)", count, err)
	}
	if err := repo.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}
