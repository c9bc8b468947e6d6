package store

import (
	"os"
	"path/filepath"
	"testing"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	in := testDoc{Name: "stakes", Count: 3}
	if err := s.Save("doc.json", in); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	var out testDoc
	if !s.Load("doc.json", &out) {
		t.Fatal("Load() returned false for a saved document")
	}
	if out != in {
		t.Errorf("Load() = %+v, want %+v", out, in)
	}
}

func TestLoadMissingFile(t *testing.T) {
	s, _ := New(t.TempDir())

	out := testDoc{Name: "default"}
	if s.Load("nope.json", &out) {
		t.Error("Load() returned true for a missing file")
	}
	if out.Name != "default" {
		t.Errorf("Load() modified out on a missing file: %+v", out)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)

	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out testDoc
	if s.Load("bad.json", &out) {
		t.Error("Load() returned true for a corrupt file")
	}
}

func TestUpdateReadModifyWrite(t *testing.T) {
	s, _ := New(t.TempDir())

	doc := map[string]int{}
	err := s.Update("counters.json", &doc, func(loaded bool) bool {
		if loaded {
			t.Error("first Update reported loaded=true")
		}
		doc["a"] = 1
		return true
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	doc2 := map[string]int{}
	err = s.Update("counters.json", &doc2, func(loaded bool) bool {
		if !loaded {
			t.Error("second Update reported loaded=false")
		}
		doc2["a"]++
		return true
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	var final map[string]int
	s.Load("counters.json", &final)
	if final["a"] != 2 {
		t.Errorf("counter = %d, want 2", final["a"])
	}
}

func TestUpdateNoChangeSkipsWrite(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)

	doc := map[string]int{}
	if err := s.Update("skip.json", &doc, func(bool) bool { return false }); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "skip.json")); !os.IsNotExist(err) {
		t.Error("Update wrote a file despite mutate returning false")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)

	for i := 0; i < 5; i++ {
		if err := s.Save("doc.json", testDoc{Count: i}); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only doc.json in data dir, found %v", names)
	}
}
