// SPDX-License-Identifier: MIT

package store

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	base := t.TempDir()
	s, err := New(base, "lcs", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNextSegmentPathMonotonic(t *testing.T) {
	s := newTestStore(t)

	id1, path1 := s.NextSegmentPath()
	id2, path2 := s.NextSegmentPath()

	if id2 <= id1 {
		t.Fatalf("expected monotonic ids, got %d then %d", id1, id2)
	}
	if path1 == path2 {
		t.Fatalf("expected distinct paths, got %q twice", path1)
	}
	if filepath.Dir(path1) != s.Dir() {
		t.Fatalf("segment path %q not under store dir %q", path1, s.Dir())
	}
}

func TestDeleteWithRetryMissingFileIsNotError(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteWithRetry(filepath.Join(s.Dir(), "segment_999.lcs")); err != nil {
		t.Fatalf("deleting a missing file should succeed, got %v", err)
	}
}

func TestDeleteWithRetryRemovesExistingFile(t *testing.T) {
	s := newTestStore(t)
	_, path := s.NextSegmentPath()
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := s.DeleteWithRetry(path); err != nil {
		t.Fatalf("DeleteWithRetry: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be gone, stat err=%v", err)
	}
}

func TestWriteReadIndexRoundTrip(t *testing.T) {
	s := newTestStore(t)
	snap := IndexSnapshot{
		SegmentCounter: 3,
		KeepDurationMS: 60000,
		Segments: []IndexSegment{
			{Name: "segment_1.lcs", Bytes: 100, Exists: true},
			{Name: "segment_2.lcs", Bytes: 200, Exists: true},
		},
	}
	if err := s.WriteIndex(snap); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}
	got, err := s.ReadIndex()
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if got == nil {
		t.Fatal("expected a snapshot, got nil")
	}
	if got.SegmentCounter != 3 || len(got.Segments) != 2 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestReadIndexMissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	snap, err := s.ReadIndex()
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot for missing index, got %+v", snap)
	}
}

func TestReadIndexCorruptIsTreatedAsMissing(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.IndexPath(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt index: %v", err)
	}
	snap, err := s.ReadIndex()
	if err != nil {
		t.Fatalf("ReadIndex should tolerate corruption, got %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot for corrupt index, got %+v", snap)
	}
}

func TestCleanupOrphansRemovesKnownPatternsOnly(t *testing.T) {
	s := newTestStore(t)
	mustWrite := func(name string) {
		if err := os.WriteFile(filepath.Join(s.Dir(), name), []byte("x"), 0o600); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	mustWrite("segment_1.lcs")
	mustWrite("segment_2.lcs")
	mustWrite(".merged_temp.lcs")
	mustWrite(".merged_work_12345.lcs")
	mustWrite(".continuous_window_temp.lcs")
	mustWrite(indexFileName)
	mustWrite("not_ours.txt")

	if err := s.CleanupOrphans(); err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}

	remaining, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Name() != "not_ours.txt" {
		t.Fatalf("expected only not_ours.txt to survive cleanup, got %+v", remaining)
	}
}

func TestParseSegmentID(t *testing.T) {
	cases := []struct {
		name    string
		wantID  int64
		wantOK  bool
	}{
		{"segment_1.lcs", 1, true},
		{"segment_42.lcs", 42, true},
		{"segment_abc.lcs", 0, false},
		{".merged_temp.lcs", 0, false},
		{"segment_7", 0, false},
	}
	for _, tc := range cases {
		id, ok := ParseSegmentID(tc.name)
		if ok != tc.wantOK || id != tc.wantID {
			t.Errorf("ParseSegmentID(%q) = (%d, %v), want (%d, %v)", tc.name, id, ok, tc.wantID, tc.wantOK)
		}
	}
}

func TestListSegmentFilesSortedByID(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"segment_10.lcs", "segment_2.lcs", "segment_1.lcs"} {
		if err := os.WriteFile(filepath.Join(s.Dir(), name), []byte("x"), 0o600); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	names, err := s.ListSegmentFiles()
	if err != nil {
		t.Fatalf("ListSegmentFiles: %v", err)
	}
	want := []string{"segment_1.lcs", "segment_2.lcs", "segment_10.lcs"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}
