package history

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"hush-chat/go-keycore/internal/testutil/fsperm"
	"hush-chat/go-keycore/pkg/models"
)

func sampleAt(conversationID string, epoch uint64, seq byte, at time.Time) models.CiphertextSample {
	return models.CiphertextSample{
		ConversationID: conversationID,
		Epoch:          epoch,
		Nonce:          bytes.Repeat([]byte{seq}, 24),
		Ciphertext:     []byte{0xC0, seq},
		AAD:            []byte("hdr"),
		RecordedAt:     at,
	}
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	archive := NewArchive()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := byte(0); i < 5; i++ {
		if err := archive.Record(sampleAt("conv-a", 3, i, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	recent := archive.Recent("conv-a", 3)
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	for i, want := range []byte{4, 3, 2} {
		if recent[i].Ciphertext[1] != want {
			t.Fatalf("recent[%d] has seq %d, want %d", i, recent[i].Ciphertext[1], want)
		}
	}
	if got := archive.Recent("conv-a", 0); len(got) != 5 {
		t.Fatalf("k=0 returned %d samples, want all 5", len(got))
	}
	if got := archive.Recent("conv-missing", 3); len(got) != 0 {
		t.Fatalf("unknown conversation returned %d samples", len(got))
	}
}

func TestRetentionDropsOldestSamples(t *testing.T) {
	archive := NewArchive()
	archive.SetRetention(3)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := byte(0); i < 6; i++ {
		if err := archive.Record(sampleAt("conv-a", 1, i, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if got := archive.Count("conv-a"); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
	oldest := archive.Recent("conv-a", 3)[2]
	if oldest.Ciphertext[1] != 3 {
		t.Fatalf("oldest retained seq = %d, want 3", oldest.Ciphertext[1])
	}
}

func TestRecordRejectsInvalidSamples(t *testing.T) {
	archive := NewArchive()
	if err := archive.Record(models.CiphertextSample{Ciphertext: []byte{1}}); !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("missing conversation id: got %v", err)
	}
	if err := archive.Record(models.CiphertextSample{ConversationID: "conv-a"}); !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("missing ciphertext: got %v", err)
	}
}

func TestRecentReturnsClones(t *testing.T) {
	archive := NewArchive()
	if err := archive.Record(sampleAt("conv-a", 1, 7, time.Now().UTC())); err != nil {
		t.Fatalf("record: %v", err)
	}
	got := archive.Recent("conv-a", 1)
	got[0].Ciphertext[0] = 0xFF
	again := archive.Recent("conv-a", 1)
	if again[0].Ciphertext[0] != 0xC0 {
		t.Fatalf("mutating a returned sample corrupted the archive")
	}
}

func TestEncryptedArchivePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "history.bin")
	archive, err := NewEncryptedPersistentArchive(path, "passphrase")
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := byte(0); i < 2; i++ {
		if err := archive.Record(sampleAt("conv-a", 2, i, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	fsperm.AssertPrivateFilePerm(t, path)

	reopened, err := NewEncryptedPersistentArchive(path, "passphrase")
	if err != nil {
		t.Fatalf("reopen archive: %v", err)
	}
	recent := reopened.Recent("conv-a", 0)
	if len(recent) != 2 {
		t.Fatalf("reopened archive has %d samples, want 2", len(recent))
	}
	if recent[0].Epoch != 2 || recent[0].Ciphertext[1] != 1 {
		t.Fatalf("reopened archive lost sample ordering: %+v", recent[0])
	}

	if _, err := NewEncryptedPersistentArchive(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}

func TestClearRemovesOnlyThatConversation(t *testing.T) {
	archive := NewArchive()
	now := time.Now().UTC()
	if err := archive.Record(sampleAt("conv-a", 1, 1, now)); err != nil {
		t.Fatalf("record conv-a: %v", err)
	}
	if err := archive.Record(sampleAt("conv-b", 1, 2, now)); err != nil {
		t.Fatalf("record conv-b: %v", err)
	}
	removed, err := archive.Clear("conv-a")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if archive.Count("conv-a") != 0 || archive.Count("conv-b") != 1 {
		t.Fatalf("clear touched the wrong conversation")
	}
	if removed, err = archive.Clear("conv-a"); err != nil || removed != 0 {
		t.Fatalf("idempotent clear: removed=%d err=%v", removed, err)
	}
}
