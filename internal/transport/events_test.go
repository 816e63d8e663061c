package transport

import "testing"

func TestSupersedes(t *testing.T) {
	tests := []struct {
		next, cur Status
		want      bool
	}{
		{StatusSent, StatusPending, true},
		{StatusDelivered, StatusPending, true},
		{StatusDelivered, StatusSent, true},
		{StatusRead, StatusDelivered, true},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusDelivered, true},

		// Equal or backward moves are stale.
		{StatusPending, StatusPending, false},
		{StatusSent, StatusSent, false},
		{StatusSent, StatusDelivered, false},
		{StatusPending, StatusRead, false},

		// Terminal states never advance.
		{StatusRead, StatusRead, false},
		{StatusFailed, StatusRead, false},
		{StatusSent, StatusFailed, false},
		{StatusFailed, StatusFailed, false},

		// Unknown incoming status is dropped.
		{Status("bogus"), StatusSent, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.next)+"_over_"+string(tt.cur), func(t *testing.T) {
			if got := Supersedes(tt.next, tt.cur); got != tt.want {
				t.Errorf("Supersedes(%s, %s) = %v, want %v", tt.next, tt.cur, got, tt.want)
			}
		})
	}
}
