package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestValidationResultAllowed(t *testing.T) {
	ok := ValidationResult{Outcome: ValidationAllowed}
	if !ok.Allowed() {
		t.Error("allowed result reports not allowed")
	}
	bad := ValidationResult{Outcome: ValidationRejected, Kind: ValidationKindPolicy}
	if bad.Allowed() {
		t.Error("rejected result reports allowed")
	}
}

func TestViolatedSymbols_DedupPreservesOrder(t *testing.T) {
	r := ValidationResult{
		Outcome: ValidationRejected,
		Kind:    ValidationKindPolicy,
		Violations: []Violation{
			{Symbol: "os.system", Group: "process", Line: 3},
			{Symbol: "eval", Group: "dynamic", Line: 7},
			{Symbol: "os.system", Group: "process", Line: 12},
		},
	}
	got := r.ViolatedSymbols()
	want := []string{"os.system", "eval"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ViolatedSymbols() = %v, want %v", got, want)
	}
}

func TestScheduleDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		s    Schedule
		want bool
	}{
		{
			"due and enabled",
			Schedule{Enabled: true, NextRunAt: now.Add(-time.Minute)},
			true,
		},
		{
			"due exactly now",
			Schedule{Enabled: true, NextRunAt: now},
			true,
		},
		{
			"not yet due",
			Schedule{Enabled: true, NextRunAt: now.Add(time.Minute)},
			false,
		},
		{
			"disabled",
			Schedule{Enabled: false, NextRunAt: now.Add(-time.Hour)},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Due(now); got != tt.want {
				t.Errorf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}
