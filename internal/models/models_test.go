package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_NormalizeClearsUndefined(t *testing.T) {
	m := Metadata{
		Name:      "  Jane Doe ",
		Age:       "undefined",
		Diagnosis: " UNDEFINED ",
		Room:      "Undefined",
		Allergies: "undefined-ish",
	}

	got := m.Normalize()

	want := Metadata{Name: "Jane Doe", Allergies: "undefined-ish"}
	assert.Empty(t, cmp.Diff(want, got))
}

func TestMetadata_Matches(t *testing.T) {
	m := Metadata{Name: "Jane Doe", Diagnosis: "Asthma", Age: "40"}

	tests := []struct {
		q    string
		want bool
	}{
		{"jane", true},
		{"ASTH", true},
		{"40", true},
		{"", true},
		{"diabetes", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Matches(tt.q), tt.q)
	}
}

func TestParseMetadata(t *testing.T) {
	m, err := ParseMetadata([]string{"name=Jane Doe", "age=40", "diagnosis=undefined"})
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", m.Name)
	assert.Equal(t, "40", m.Age)
	assert.Empty(t, m.Diagnosis)

	_, err = ParseMetadata([]string{"name"})
	assert.ErrorIs(t, err, ErrIncorrectMetadata)

	_, err = ParseMetadata([]string{"shoe_size=44"})
	assert.ErrorIs(t, err, ErrIncorrectMetadata)
}

func TestContentRef_Union(t *testing.T) {
	d := Durable("kubo", "bafy123")
	p := Pending("q-1")

	assert.True(t, d.IsDurable())
	assert.False(t, d.IsPending())
	assert.True(t, p.IsPending())
	assert.NoError(t, d.Validate())
	assert.NoError(t, p.Validate())
	assert.Error(t, ContentRef{Kind: RefDurable, ID: "x"}.Validate())
	assert.Error(t, ContentRef{Kind: "local", ID: "x"}.Validate())
	assert.True(t, ContentRef{}.IsZero())
	assert.False(t, d.Equal(p))
	assert.Equal(t, "kubo/bafy123", d.String())
	assert.Equal(t, "pending/q-1", p.String())
}

func TestMarshalRef_RoundTripAndZero(t *testing.T) {
	s, err := MarshalRef(Durable("s3", "abc"))
	require.NoError(t, err)

	r, err := UnmarshalRef(s)
	require.NoError(t, err)
	assert.Equal(t, Durable("s3", "abc"), r)

	empty, err := MarshalRef(ContentRef{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	zero, err := UnmarshalRef("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = UnmarshalRef(`{"kind":"local","id":"x"}`)
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestRecord_JSONShape(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := Record{
		ID:         "patient_1",
		Kind:       KindPatient,
		Metadata:   Metadata{Name: "Jane Doe"},
		ContentRef: Pending("q-1"),
		Attachments: []Attachment{
			{ID: "file_1", ContentRef: Durable("kubo", "c1"), MetadataRef: Durable("kubo", "m1")},
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"content_ref":{"kind":"pending","id":"q-1"}`)
	assert.Contains(t, string(b), `"attachment_id":"file_1"`)

	a, ok := r.FindAttachment("file_1")
	require.True(t, ok)
	assert.Equal(t, "c1", a.ContentRef.ID)

	_, ok = r.FindAttachment("file_2")
	assert.False(t, ok)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindFile, KindOf("file_abc"))
	assert.Equal(t, KindPatient, KindOf("patient_abc"))
}
