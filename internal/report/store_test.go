package report

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// newTestStore connects to the database named by PAIRCHAT_TEST_DATABASE_URL
// and skips when it is unset or unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("PAIRCHAT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PAIRCHAT_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), url)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() {
		s.db.Exec(`DELETE FROM abuse_reports WHERE reporter_id LIKE 'test_%'`)
		s.Close()
	})
	return s
}

func TestCreate_Validation(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	if err := s.Create(ctx, &Report{TargetID: "b"}); err == nil {
		t.Error("missing reporter should fail")
	}
	if err := s.Create(ctx, &Report{ReporterID: "a", TargetID: "a"}); err == nil {
		t.Error("self-report should fail")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	if up == 0 || up != down {
		t.Errorf("migrations: %d up, %d down", up, down)
	}
}

func TestCreateAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addr := "test-addr-" + time.Now().Format("150405.000000")
	for i := 1; i <= 2; i++ {
		r := &Report{
			ReporterID: "test_reporter",
			TargetID:   "test_target",
			TargetAddr: addr,
			RoomID:     "room-1",
			Count:      i,
		}
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		if r.ID == 0 || r.CreatedAt.IsZero() {
			t.Errorf("Create() did not fill id/created_at: %+v", r)
		}
	}

	n, err := s.CountRecent(ctx, addr, time.Hour)
	if err != nil {
		t.Fatalf("CountRecent() error: %v", err)
	}
	if n != 2 {
		t.Errorf("CountRecent = %d, want 2", n)
	}

	recent, err := s.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(recent) != 1 || recent[0].Count != 2 {
		t.Errorf("Recent = %+v, want the second report", recent)
	}
}
