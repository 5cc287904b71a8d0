package model

import (
	"testing"
	"time"
)

func TestDerivedScore(t *testing.T) {
	cases := []struct {
		name     string
		avgRate  float64
		duration time.Duration
		want     int
	}{
		{"normal rate short session", 15, 500 * time.Second, 100},
		{"low rate", 8, 500 * time.Second, 80},
		{"high rate long session", 35, 8000 * time.Second, 65},
		{"slightly high rate", 27, 100 * time.Second, 90},
		{"boundary rate 30 stays in slightly-high band", 30, 100 * time.Second, 90},
		{"boundary rate 25 no deduction", 25, 100 * time.Second, 100},
		{"over one hour", 12, 3601 * time.Second, 90},
		{"over two hours", 12, 7201 * time.Second, 80},
		{"worst case clamps above zero", 5, 8000 * time.Second, 60},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DerivedScore(tc.avgRate, tc.duration)
			if got != tc.want {
				t.Fatalf("DerivedScore(%v, %v) = %d, want %d", tc.avgRate, tc.duration, got, tc.want)
			}
		})
	}
}
