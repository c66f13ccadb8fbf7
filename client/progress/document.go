package progress

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"time"
)

// Reserved document fields; everything else is course metadata
const (
	fieldCourseID    = "courseId"
	fieldEnrolledAt  = "enrolledAt"
	fieldLastUpdated = "lastUpdated"
	fieldProgress    = "progress"
	fieldVersion     = "version"
)

// courseIDPattern keeps course IDs usable as a single path segment
var courseIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)

// Document is one user's enrollment in one course, stored as
// progress/<courseId>.json in the user's progress repository.
//
// Metadata is written as top-level fields next to the reserved ones.
type Document struct {
	CourseID    string
	EnrolledAt  time.Time
	LastUpdated time.Time

	// Progress is a percentage, 0..100. It never decreases across merges.
	Progress int

	// Version strictly increases with every accepted write
	Version int64

	Metadata map[string]any
}

// Clone returns a deep-enough copy: Metadata is copied, its values are shared.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Metadata = maps.Clone(d.Metadata)
	return &c
}

// MarshalJSON flattens Metadata into the top-level object.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Metadata)+5)
	for k, v := range d.Metadata {
		out[k] = v
	}
	out[fieldCourseID] = d.CourseID
	out[fieldEnrolledAt] = d.EnrolledAt.UTC()
	out[fieldLastUpdated] = d.LastUpdated.UTC()
	out[fieldProgress] = d.Progress
	out[fieldVersion] = d.Version
	return json.Marshal(out)
}

// UnmarshalJSON reads reserved fields and collects the rest into Metadata.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var doc Document
	reserved := map[string]any{
		fieldCourseID:    &doc.CourseID,
		fieldEnrolledAt:  &doc.EnrolledAt,
		fieldLastUpdated: &doc.LastUpdated,
		fieldProgress:    &doc.Progress,
		fieldVersion:     &doc.Version,
	}

	for key, value := range raw {
		if target, ok := reserved[key]; ok {
			if err := json.Unmarshal(value, target); err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		if doc.Metadata == nil {
			doc.Metadata = make(map[string]any)
		}
		doc.Metadata[key] = v
	}

	*d = doc
	return nil
}

// Merge applies a locally prepared write to the current remote document.
//
// Progress takes the maximum and the earliest enrollment date wins. The
// metadata of local overlays the remote metadata, so local should carry only
// the keys being written. The version becomes one more than the highest
// version either side has seen. remote may be nil.
func Merge(local, remote *Document) *Document {
	out := local.Clone()
	base := local.Version

	if remote != nil {
		if remote.Progress > out.Progress {
			out.Progress = remote.Progress
		}
		if !remote.EnrolledAt.IsZero() && (out.EnrolledAt.IsZero() || remote.EnrolledAt.Before(out.EnrolledAt)) {
			out.EnrolledAt = remote.EnrolledAt
		}
		for k, v := range remote.Metadata {
			if _, ok := out.Metadata[k]; !ok {
				if out.Metadata == nil {
					out.Metadata = make(map[string]any)
				}
				out.Metadata[k] = v
			}
		}
		if remote.Version > base {
			base = remote.Version
		}
	}

	out.Version = base + 1
	return out
}

// satisfies reports whether d already records progress and metadata, so
// writing them would change nothing.
func (d *Document) satisfies(progress int, metadata map[string]any) bool {
	if d == nil || d.Progress < progress {
		return false
	}
	for k, v := range metadata {
		// Compare through JSON so 1 and 1.0 are equal, as they are on disk
		if !reflect.DeepEqual(normalizeJSON(d.Metadata[k]), normalizeJSON(v)) {
			return false
		}
	}
	return true
}

func normalizeJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// ValidateCourseID checks that id is usable as a document name
func ValidateCourseID(id string) error {
	if !courseIDPattern.MatchString(id) {
		return &Error{Op: "validate", Err: fmt.Errorf("%w: course id %q", ErrInvalid, id)}
	}
	return nil
}

func validateProgress(p int) error {
	if p < 0 || p > 100 {
		return &Error{Op: "validate", Err: fmt.Errorf("%w: progress %d outside 0..100", ErrInvalid, p)}
	}
	return nil
}

func documentPath(courseID string) string {
	return documentsDir + "/" + courseID + ".json"
}
