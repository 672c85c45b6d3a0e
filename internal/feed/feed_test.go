package feed

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFeed(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cve_feed.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write feed: %v", err)
	}
	return p
}

func TestLoad_ParsesRecordsAndDefaultsCVSS(t *testing.T) {
	t.Parallel()

	p := writeFeed(t, `[
		{"cve_id":"CVE-1","package":"openssl","vulnerable_versions":"<=1.1.1","cvss":7.5,"description":"demo"},
		{"cve_id":"CVE-2","package":"nginx","vulnerable_versions":"<=1.20.0","description":"no score"}
	]`)

	f, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("Len = %d, want 2", f.Len())
	}
	recs := f.Records()
	if recs[0].CVSS != 7.5 {
		t.Errorf("CVSS = %v, want 7.5", recs[0].CVSS)
	}
	if recs[1].CVSS != DefaultCVSS {
		t.Errorf("CVSS = %v, want default %v", recs[1].CVSS, DefaultCVSS)
	}

	r, ok := f.Lookup("CVE-2")
	if !ok || r.Package != "nginx" {
		t.Errorf("Lookup(CVE-2) = %+v, %v", r, ok)
	}
	if _, ok := f.Lookup("CVE-404"); ok {
		t.Error("Lookup of unknown id should fail")
	}
}

func TestLoad_MissingFileIsEmptyFeed(t *testing.T) {
	t.Parallel()

	f, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("err = %v, want ErrMissing", err)
	}
	if f == nil || f.Len() != 0 {
		t.Fatalf("feed = %v, want empty non-nil feed", f)
	}
}

func TestLoad_MalformedFileIsEmptyFeed(t *testing.T) {
	t.Parallel()

	f, err := Load(writeFeed(t, `{"not":"an array"}`))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if errors.Is(err, ErrMissing) {
		t.Error("malformed file must not be reported as missing")
	}
	if f == nil || f.Len() != 0 {
		t.Fatalf("feed = %v, want empty non-nil feed", f)
	}
}

func TestNilFeed(t *testing.T) {
	t.Parallel()

	var f *Feed
	if f.Len() != 0 || f.Records() != nil {
		t.Error("nil feed should be empty")
	}
	if _, ok := f.Lookup("x"); ok {
		t.Error("nil feed lookup should fail")
	}
}

func TestRecords_ReturnsCopy(t *testing.T) {
	t.Parallel()

	f := New([]Record{{CVEID: "CVE-1", Package: "openssl"}})
	recs := f.Records()
	recs[0].Package = "tampered"
	if got, _ := f.Lookup("CVE-1"); got.Package != "openssl" {
		t.Errorf("Package = %q, feed mutated through Records copy", got.Package)
	}
}
