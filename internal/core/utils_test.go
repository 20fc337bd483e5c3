package core

import (
	"testing"
	"time"
)

func TestMonthKey(t *testing.T) {
	tests := []struct {
		year, month int
		want        string
	}{
		{2024, 3, "2024-3"},
		{2024, 12, "2024-12"},
		{1999, 1, "1999-1"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := MonthKey(tt.year, tt.month); got != tt.want {
				t.Errorf("MonthKey(%d, %d) = %v, want %v", tt.year, tt.month, got, tt.want)
			}
			y, m, err := ParseMonthKey(tt.want)
			if err != nil {
				t.Fatalf("ParseMonthKey(%q) error = %v", tt.want, err)
			}
			if y != tt.year || m != tt.month {
				t.Errorf("ParseMonthKey(%q) = %d-%d, want %d-%d", tt.want, y, m, tt.year, tt.month)
			}
		})
	}
}

func TestParseMonthKeyInvalid(t *testing.T) {
	for _, input := range []string{"", "2024", "2024-13", "abc-1", "2024-x"} {
		if _, _, err := ParseMonthKey(input); err == nil {
			t.Errorf("ParseMonthKey(%q) expected error", input)
		}
	}
}

func TestShiftMonth(t *testing.T) {
	tests := []struct {
		name                string
		year, month, delta  int
		wantYear, wantMonth int
	}{
		{"forward", 2024, 3, 1, 2024, 4},
		{"wrap forward", 2024, 12, 1, 2025, 1},
		{"wrap backward", 2024, 1, -1, 2023, 12},
		{"many back", 2024, 3, -15, 2022, 12},
		{"zero", 2024, 6, 0, 2024, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y, m := ShiftMonth(tt.year, tt.month, tt.delta)
			if y != tt.wantYear || m != tt.wantMonth {
				t.Errorf("ShiftMonth(%d, %d, %d) = %d-%d, want %d-%d", tt.year, tt.month, tt.delta, y, m, tt.wantYear, tt.wantMonth)
			}
		})
	}
}

func TestParseMonthSpec(t *testing.T) {
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		input     string
		wantYear  int
		wantMonth int
		wantErr   bool
	}{
		{"empty", "", 2024, 7, false},
		{"this-month", "this-month", 2024, 7, false},
		{"last-month", "last-month", 2024, 6, false},
		{"next-month", "Next-Month", 2024, 8, false},
		{"key", "2023-3", 2023, 3, false},
		{"padded key", "2023-03", 2023, 3, false},
		{"relative back", "m-7", 2023, 12, false},
		{"relative forward", "m+6", 2025, 1, false},
		{"month out of range", "2023-13", 0, 0, true},
		{"invalid", "invalid", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y, m, err := ParseMonthSpec(tt.input, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMonthSpec(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && (y != tt.wantYear || m != tt.wantMonth) {
				t.Errorf("ParseMonthSpec(%q) = %d-%d, want %d-%d", tt.input, y, m, tt.wantYear, tt.wantMonth)
			}
		})
	}
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		age  time.Duration
		want string
	}{
		{"fresh", 10 * time.Second, "just now"},
		{"minutes", 3 * time.Minute, "3m ago"},
		{"just under an hour", 59 * time.Minute, "59m ago"},
		{"hours", 5 * time.Hour, "5h ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatRelativeTime(now.Add(-tt.age), now); got != tt.want {
				t.Errorf("FormatRelativeTime(-%v) = %v, want %v", tt.age, got, tt.want)
			}
		})
	}
}

func TestOrigin(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://courseweb.sliit.lk/my/", "https://courseweb.sliit.lk"},
		{"http://localhost:8080/moodle", "http://localhost:8080"},
		{"https://portal.example.edu", "https://portal.example.edu"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Origin(tt.input); got != tt.want {
				t.Errorf("Origin(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	if got := StorageKey("https://a.example"); got != "cwLabsheetCache:v1:https://a.example" {
		t.Errorf("StorageKey() = %v", got)
	}
}

func TestMonthLabel(t *testing.T) {
	if got := MonthLabel(2024, 3); got != "March 2024" {
		t.Errorf("MonthLabel(2024, 3) = %v, want March 2024", got)
	}
}
