package graph

import "testing"

func TestValidLabel(t *testing.T) {
	for _, label := range Labels() {
		if !ValidLabel(label) {
			t.Errorf("ValidLabel(%q) = false, want true", label)
		}
	}
	if ValidLabel("Patient") {
		t.Error("ValidLabel(Patient) = true, want false")
	}
}

func TestValidPredicate(t *testing.T) {
	valid := []string{
		RelHasSymptom, RelTreatedBy, RelRequiresExam, RelBelongsTo,
		RelInteractsWith, RelContraindicatedFor, RelAccompanies,
	}
	for _, p := range valid {
		if !ValidPredicate(p) {
			t.Errorf("ValidPredicate(%q) = false, want true", p)
		}
	}
	if ValidPredicate("CURES") {
		t.Error("ValidPredicate(CURES) = true, want false")
	}
}
