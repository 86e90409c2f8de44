package models

import (
	"strings"
)

// Metadata is the single canonical, unencrypted description of a patient.
// Timestamps are not part of it; they live on the Record.
type Metadata struct {
	Name             string `json:"name"`
	Age              string `json:"age"`
	Gender           string `json:"gender"`
	Diagnosis        string `json:"diagnosis"`
	Prescription     string `json:"prescription"`
	Room             string `json:"room"`
	MedicalHistory   string `json:"medical_history"`
	Allergies        string `json:"allergies"`
	EmergencyContact string `json:"emergency_contact"`
	CreatedBy        string `json:"created_by"`
	UpdatedBy        string `json:"updated_by"`
}

// Normalize trims every field and clears the literal "undefined" that older
// clients wrote in place of missing values.
func (m Metadata) Normalize() Metadata {
	for _, f := range m.fields() {
		*f = clean(*f)
	}
	return m
}

func (m *Metadata) fields() []*string {
	return []*string{
		&m.Name, &m.Age, &m.Gender, &m.Diagnosis, &m.Prescription, &m.Room,
		&m.MedicalHistory, &m.Allergies, &m.EmergencyContact,
		&m.CreatedBy, &m.UpdatedBy,
	}
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "undefined") {
		return ""
	}
	return s
}

// Matches reports whether q occurs, case-insensitively, in the name,
// diagnosis or age.
func (m Metadata) Matches(q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	for _, v := range []string{m.Name, m.Diagnosis, m.Age} {
		if strings.Contains(strings.ToLower(v), q) {
			return true
		}
	}
	return false
}

// ParseMetadata builds Metadata from name=value pairs as given on the
// command line. Unknown names are rejected.
func ParseMetadata(pairs []string) (Metadata, error) {
	var m Metadata
	index := map[string]*string{
		"name": &m.Name, "age": &m.Age, "gender": &m.Gender,
		"diagnosis": &m.Diagnosis, "prescription": &m.Prescription,
		"room": &m.Room, "medical_history": &m.MedicalHistory,
		"allergies": &m.Allergies, "emergency_contact": &m.EmergencyContact,
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return m, ErrIncorrectMetadata
		}
		f, known := index[strings.ToLower(strings.TrimSpace(k))]
		if !known {
			return m, ErrIncorrectMetadata
		}
		*f = v
	}
	return m.Normalize(), nil
}
