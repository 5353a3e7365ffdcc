package casefile

import (
	"errors"
	"testing"
)

func TestCanAddMinute(t *testing.T) {
	all := []CaseFile{
		{
			ID:       "df_1",
			Surveyor: "Julie Tremblay",
			Mandates: []Mandate{
				{Minutes: []Minute{{Number: "12345"}}},
			},
		},
		{
			ID:       "df_2",
			Surveyor: "Julie Tremblay",
			Mandates: []Mandate{
				{},
				{Minute: "20001"},
			},
		},
		{
			ID:       "df_3",
			Surveyor: "Paul Gagnon",
			Mandates: []Mandate{
				{Minutes: []Minute{{Number: "55555"}}},
			},
		},
	}

	tests := []struct {
		name     string
		surveyor string
		minute   string
		want     bool
	}{
		{"existing in minutes list", "Julie Tremblay", "12345", false},
		{"existing legacy field", "Julie Tremblay", "20001", false},
		{"surrounding whitespace", "Julie Tremblay", " 12345 ", false},
		{"free number", "Julie Tremblay", "99999", true},
		{"other surveyor's minute", "Julie Tremblay", "55555", true},
		{"same number other surveyor", "Paul Gagnon", "12345", true},
		{"empty number", "Julie Tremblay", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanAddMinute(tt.surveyor, tt.minute, all); got != tt.want {
				t.Fatalf("CanAddMinute(%q, %q) = %v, want %v", tt.surveyor, tt.minute, got, tt.want)
			}
		})
	}
}

func TestCheckMinute(t *testing.T) {
	all := []CaseFile{{Surveyor: "J", Mandates: []Mandate{{Minute: "1"}}}}

	if err := CheckMinute("J", "1", all); !errors.Is(err, ErrValidationRejected) {
		t.Fatalf("CheckMinute(duplicate) error = %v", err)
	}
	if err := CheckMinute("J", "  ", all); !errors.Is(err, ErrValidationRejected) {
		t.Fatalf("CheckMinute(blank) error = %v", err)
	}
	if err := CheckMinute("J", "2", all); err != nil {
		t.Fatalf("CheckMinute(free) error = %v", err)
	}
}
