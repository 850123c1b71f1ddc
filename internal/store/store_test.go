package store

import "testing"

func TestPgVector(t *testing.T) {
	tests := []struct {
		in   []float64
		want string
	}{
		{nil, "[]"},
		{[]float64{0.1, 0.2, 0.3}, "[0.1,0.2,0.3]"},
		{[]float64{-1, 1e-07}, "[-1,1e-07]"},
	}
	for _, tt := range tests {
		if got := pgVector(tt.in); got != tt.want {
			t.Errorf("pgVector(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
