// Package feed loads the static vulnerability feed: a JSON array of
// {cve_id, package, vulnerable_versions, cvss, description} records.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// DefaultCVSS is applied to records that omit a score.
const DefaultCVSS = 5.0

// ErrMissing marks a feed file that does not exist. Load still returns a
// usable empty Feed alongside it.
var ErrMissing = errors.New("vulnerability feed missing")

// Record is one known vulnerability.
type Record struct {
	CVEID              string  `json:"cve_id"`
	Package            string  `json:"package"`
	VulnerableVersions string  `json:"vulnerable_versions"`
	CVSS               float64 `json:"cvss"`
	Description        string  `json:"description"`
}

type rawRecord struct {
	CVEID              string   `json:"cve_id"`
	Package            string   `json:"package"`
	VulnerableVersions string   `json:"vulnerable_versions"`
	CVSS               *float64 `json:"cvss"`
	Description        string   `json:"description"`
}

// Feed is an immutable snapshot of records. The zero value and nil are empty feeds.
type Feed struct {
	records []Record
	byID    map[string]int
}

// New builds a Feed from a copy of records.
func New(records []Record) *Feed {
	f := &Feed{
		records: make([]Record, len(records)),
		byID:    make(map[string]int, len(records)),
	}
	copy(f.records, records)
	for i, r := range f.records {
		if _, dup := f.byID[r.CVEID]; !dup {
			f.byID[r.CVEID] = i
		}
	}
	return f
}

// Parse decodes feed JSON.
func Parse(data []byte) (*Feed, error) {
	var raw []rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	records := make([]Record, 0, len(raw))
	for _, r := range raw {
		cvss := DefaultCVSS
		if r.CVSS != nil {
			cvss = *r.CVSS
		}
		records = append(records, Record{
			CVEID:              r.CVEID,
			Package:            r.Package,
			VulnerableVersions: r.VulnerableVersions,
			CVSS:               cvss,
			Description:        r.Description,
		})
	}
	return New(records), nil
}

// Load reads the feed at path. It always returns a non-nil Feed: a missing
// file yields an empty feed and ErrMissing, an unreadable or malformed file
// yields an empty feed and the underlying error.
func Load(path string) (*Feed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(nil), fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return New(nil), fmt.Errorf("read feed %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return New(nil), fmt.Errorf("feed %s: %w", path, err)
	}
	return f, nil
}

// Records returns a copy of every record in file order.
func (f *Feed) Records() []Record {
	if f == nil {
		return nil
	}
	out := make([]Record, len(f.records))
	copy(out, f.records)
	return out
}

// Lookup returns the first record with the given CVE id.
func (f *Feed) Lookup(cveID string) (Record, bool) {
	if f == nil {
		return Record{}, false
	}
	i, ok := f.byID[cveID]
	if !ok {
		return Record{}, false
	}
	return f.records[i], true
}

// Len returns the number of records.
func (f *Feed) Len() int {
	if f == nil {
		return 0
	}
	return len(f.records)
}
