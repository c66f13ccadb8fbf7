package progress

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_MarshalJSON(t *testing.T) {
	enrolled := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := Document{
		CourseID:    "go-basics",
		EnrolledAt:  enrolled,
		LastUpdated: enrolled.Add(time.Hour),
		Progress:    40,
		Version:     3,
		Metadata: map[string]any{
			"title":    "Go Basics",
			"progress": 99, // reserved fields win
		},
	}

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "go-basics", raw["courseId"])
	assert.Equal(t, "Go Basics", raw["title"])
	assert.EqualValues(t, 40, raw["progress"])
	assert.EqualValues(t, 3, raw["version"])
	assert.Equal(t, "2026-01-02T03:04:05Z", raw["enrolledAt"])
	assert.NotContains(t, raw, "Metadata")
}

func TestDocument_UnmarshalJSON(t *testing.T) {
	input := `{
		"courseId": "go-basics",
		"enrolledAt": "2026-01-02T03:04:05Z",
		"lastUpdated": "2026-01-02T04:04:05Z",
		"progress": 55,
		"version": 7,
		"title": "Go Basics",
		"tags": ["intro", "go"]
	}`

	var doc Document
	require.NoError(t, json.Unmarshal([]byte(input), &doc))

	assert.Equal(t, "go-basics", doc.CourseID)
	assert.Equal(t, 55, doc.Progress)
	assert.Equal(t, int64(7), doc.Version)
	assert.True(t, doc.EnrolledAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, "Go Basics", doc.Metadata["title"])
	assert.Equal(t, []any{"intro", "go"}, doc.Metadata["tags"])
	assert.NotContains(t, doc.Metadata, "progress")
}

func TestDocument_UnmarshalJSON_Invalid(t *testing.T) {
	var doc Document
	assert.Error(t, json.Unmarshal([]byte(`{"progress":"lots"}`), &doc))
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &doc))
}

func TestMerge(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(24 * time.Hour)

	tests := []struct {
		name         string
		local        *Document
		remote       *Document
		wantProgress int
		wantVersion  int64
		wantEnrolled time.Time
	}{
		{
			name:         "no remote",
			local:        &Document{CourseID: "c", Progress: 10, Version: 0, EnrolledAt: late},
			wantProgress: 10,
			wantVersion:  1,
			wantEnrolled: late,
		},
		{
			name:         "remote newer and further along",
			local:        &Document{CourseID: "c", Progress: 30, Version: 2, EnrolledAt: late},
			remote:       &Document{CourseID: "c", Progress: 80, Version: 5, EnrolledAt: early},
			wantProgress: 80,
			wantVersion:  6,
			wantEnrolled: early,
		},
		{
			name:         "local further along than older remote",
			local:        &Document{CourseID: "c", Progress: 90, Version: 4, EnrolledAt: early},
			remote:       &Document{CourseID: "c", Progress: 20, Version: 3, EnrolledAt: late},
			wantProgress: 90,
			wantVersion:  5,
			wantEnrolled: early,
		},
		{
			name:         "equal versions",
			local:        &Document{CourseID: "c", Progress: 50, Version: 3},
			remote:       &Document{CourseID: "c", Progress: 50, Version: 3, EnrolledAt: early},
			wantProgress: 50,
			wantVersion:  4,
			wantEnrolled: early,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.local, tt.remote)
			assert.Equal(t, tt.wantProgress, got.Progress)
			assert.Equal(t, tt.wantVersion, got.Version)
			assert.True(t, got.EnrolledAt.Equal(tt.wantEnrolled), "EnrolledAt = %v", got.EnrolledAt)
			if tt.remote != nil {
				assert.Greater(t, got.Version, tt.remote.Version)
				assert.GreaterOrEqual(t, got.Progress, tt.remote.Progress)
			}
		})
	}
}

func TestMerge_Metadata(t *testing.T) {
	local := &Document{CourseID: "c", Metadata: map[string]any{"title": "Local", "level": "beginner"}}
	remote := &Document{CourseID: "c", Metadata: map[string]any{"title": "Remote", "track": "backend"}}

	got := Merge(local, remote)
	assert.Equal(t, map[string]any{"title": "Local", "level": "beginner", "track": "backend"}, got.Metadata)

	// Inputs are not modified
	assert.Len(t, local.Metadata, 2)
	assert.Equal(t, int64(0), local.Version)
}

func TestDocument_Satisfies(t *testing.T) {
	doc := &Document{Progress: 50, Metadata: map[string]any{"title": "Go", "lessons": float64(12)}}

	assert.True(t, doc.satisfies(50, nil))
	assert.True(t, doc.satisfies(20, map[string]any{"title": "Go"}))
	assert.True(t, doc.satisfies(0, map[string]any{"lessons": 12}))
	assert.False(t, doc.satisfies(51, nil))
	assert.False(t, doc.satisfies(0, map[string]any{"title": "Rust"}))
	assert.False(t, doc.satisfies(0, map[string]any{"missing": true}))

	var none *Document
	assert.False(t, none.satisfies(0, nil))
}

func TestValidateCourseID(t *testing.T) {
	valid := []string{"go-basics", "course_101", "a", "v1.2"}
	invalid := []string{"", "..", ".hidden", "a/b", "with space", "-leading", string(make([]byte, 101))}

	for _, id := range valid {
		assert.NoError(t, ValidateCourseID(id), id)
	}
	for _, id := range invalid {
		err := ValidateCourseID(id)
		assert.ErrorIs(t, err, ErrInvalid, "%q", id)
	}
}
