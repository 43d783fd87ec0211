package call

import "testing"

func TestStatusFromProvider(t *testing.T) {
	cases := []struct {
		provider string
		want     Status
		ok       bool
	}{
		{"queued", StatusInitiated, true},
		{"initiated", StatusInitiated, true},
		{"ringing", StatusRinging, true},
		{"answered", StatusInProgress, true},
		{"in-progress", StatusInProgress, true},
		{"In-Progress", StatusInProgress, true},
		{"completed", StatusCompleted, true},
		{"busy", StatusBusy, true},
		{"no-answer", StatusNoAnswer, true},
		{"failed", StatusFailed, true},
		{"canceled", StatusCanceled, true},
		{" ringing ", StatusRinging, true},
		{"something-else", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := StatusFromProvider(tc.provider)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("StatusFromProvider(%q) = %q, %v, want %q, %v", tc.provider, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy, StatusCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%q.Terminal() = false, want true", s)
		}
	}
	live := []Status{StatusInitiated, StatusRinging, StatusInProgress}
	for _, s := range live {
		if s.Terminal() {
			t.Fatalf("%q.Terminal() = true, want false", s)
		}
	}
}
