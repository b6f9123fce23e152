package hasher_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kunai-project/orchestrator/internal/hasher"
)

func TestHashAllKnownVectors(t *testing.T) {
	sums, err := hasher.HashAll(strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	want := hasher.Sums{
		MD5:    "5d41402abc4b2a76b9719d911017c592",
		SHA1:   "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d",
		SHA256: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		SHA512: "9b71d224bd62f3785d96d46ad3ea3d73319bfbc2890caadae2dff72519673ca72323c3d99ba5c11d7c7acc6e14b8c5da0c4663475c2e5c3adef46f73bcdec043",
		Size:   5,
	}
	if sums != want {
		t.Fatalf("sums = %+v, want %+v", sums, want)
	}
}

func TestHashSHA512Only(t *testing.T) {
	got, err := hasher.HashSHA512(strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	want := "9b71d224bd62f3785d96d46ad3ea3d73319bfbc2890caadae2dff72519673ca72323c3d99ba5c11d7c7acc6e14b8c5da0c4663475c2e5c3adef46f73bcdec043"
	if got != want {
		t.Fatalf("sha512 = %s, want %s", got, want)
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	name := "hello.bin"
	m, err := hasher.FromFile(path, &name)
	if err != nil {
		t.Fatal(err)
	}
	if m.Size != 5 {
		t.Errorf("size = %d, want 5", m.Size)
	}
	if *m.SubmissionName != "hello.bin" {
		t.Errorf("submission_name = %q", *m.SubmissionName)
	}
	if m.AnalysisDate != nil {
		t.Errorf("expected nil AnalysisDate before Stamp()")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	name := "sample.bin"
	magic := "ELF"
	stamped := hasher.Metadata{
		SubmissionName: &name,
		Magic:          &magic,
		MD5:            "d41d8cd98f00b204e9800998ecf8427e",
		SHA1:           "da39a3ee5e6b4b0d3255bfef95601890afd80709",
		SHA256:         "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA512:         "cf83e1357eefb8bdf1542850d66d8007d620e4050b5715dc83f4a921d36ce9ce47d0d13c5d85f2b0ff8318d2877eec2f63b931bd47417a81a538327af927da3e",
		Size:           0,
	}.Stamp()

	data, err := json.Marshal(stamped)
	if err != nil {
		t.Fatal(err)
	}

	var got hasher.Metadata
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}

	if got.AnalysisDate == nil {
		t.Fatal("expected non-nil AnalysisDate after round trip")
	}
	if !got.AnalysisDate.Time().Equal(stamped.AnalysisDate.Time()) {
		t.Errorf("analysis_date = %v, want %v", got.AnalysisDate.Time(), stamped.AnalysisDate.Time())
	}
	if *got.SubmissionName != name || *got.Magic != magic {
		t.Errorf("submission_name/magic did not round-trip: %+v", got)
	}
	if got.MD5 != stamped.MD5 || got.SHA512 != stamped.SHA512 {
		t.Errorf("digests did not round-trip: %+v", got)
	}
}

func TestTimestampWireFormat(t *testing.T) {
	ts := hasher.Timestamp(time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("", 2*3600)))
	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"2026-03-01 12:30:00 +0200"` {
		t.Fatalf("marshaled timestamp = %s", data)
	}
}

func TestMetadataNullFields(t *testing.T) {
	m := hasher.Metadata{MD5: "a", SHA1: "b", SHA256: "c", SHA512: "d"}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"submission_name", "analysis_date", "magic"} {
		if raw[key] != nil {
			t.Errorf("%s = %v, want null", key, raw[key])
		}
	}
}
