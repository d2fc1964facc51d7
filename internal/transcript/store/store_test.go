package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/yeyulab/screentalk/internal/transcript"
	"github.com/yeyulab/screentalk/internal/transcript/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SCREENTALK_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SCREENTALK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCREENTALK_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), testDSN(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSaveCall_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	ended := time.Now().UTC().Truncate(time.Millisecond)
	entries := []transcript.Entry{
		{Speaker: transcript.SpeakerUser, Text: "what is on this page?", At: started},
		{Speaker: transcript.SpeakerModel, Text: "A checkout form with two fields.", At: started.Add(2 * time.Second)},
		{Speaker: transcript.SpeakerSystem, Text: "Session error: disconnect", At: ended},
	}

	callID, err := s.SaveCall(ctx, started, ended, entries)
	if err != nil {
		t.Fatalf("SaveCall: %v", err)
	}
	if callID == 0 {
		t.Fatal("SaveCall returned zero id")
	}

	got, err := s.CallEntries(ctx, callID)
	if err != nil {
		t.Fatalf("CallEntries: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("entries = %d; want %d", len(got), len(entries))
	}
	for i, want := range entries {
		if got[i].Speaker != want.Speaker || got[i].Text != want.Text {
			t.Errorf("entry %d = %+v; want %+v", i, got[i], want)
		}
	}
}

func TestSaveCall_EmptyTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	callID, err := s.SaveCall(ctx, time.Now().Add(-time.Second), time.Now(), nil)
	if err != nil {
		t.Fatalf("SaveCall: %v", err)
	}
	got, err := s.CallEntries(ctx, callID)
	if err != nil {
		t.Fatalf("CallEntries: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("entries = %d; want 0", len(got))
	}
}
