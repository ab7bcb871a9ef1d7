package timewin

import (
	"testing"
	"time"
)

var sessionStart = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func TestToAbsoluteRoundTrip(t *testing.T) {
	offsets := []int64{0, 1, 999, 1000, 5000, 3_600_000, 86_400_000}
	for _, ms := range offsets {
		abs := ToAbsolute(sessionStart, ms)
		if got := abs.Sub(sessionStart).Milliseconds(); got != ms {
			t.Errorf("ToAbsolute(%d): drift, got %d ms", ms, got)
		}
		if got := ToOffset(sessionStart, abs); got != ms {
			t.Errorf("ToOffset(ToAbsolute(%d)) = %d", ms, got)
		}
	}
}

func TestToAbsoluteKnownValue(t *testing.T) {
	got := ToAbsolute(sessionStart, 5000)
	want := time.Date(2024, 1, 1, 10, 0, 5, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ToAbsolute = %v, want %v", got, want)
	}
}

func TestThreshold(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		w    Window
		want int64
	}{
		{
			// Session younger than the window: threshold goes
			// negative, meaning include everything since start.
			name: "elapsed shorter than window",
			now:  sessionStart.Add(8 * time.Second),
			w:    Window{Seconds: 10},
			want: -2000,
		},
		{
			name: "elapsed longer than window",
			now:  sessionStart.Add(8 * time.Second),
			w:    Window{Seconds: 2},
			want: 6000,
		},
		{
			name: "window equals elapsed",
			now:  sessionStart.Add(300 * time.Second),
			w:    Window{Seconds: 300},
			want: 0,
		},
		{
			name: "unbounded is zero",
			now:  sessionStart.Add(300 * time.Second),
			w:    Window{All: true},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Threshold(sessionStart, tt.now, tt.w); got != tt.want {
				t.Errorf("Threshold = %d, want %d", got, tt.want)
			}
		})
	}
}

// The unbounded window and a bounded window spanning the whole session
// must agree at the session boundary.
func TestThresholdUnboundedEquivalence(t *testing.T) {
	now := sessionStart.Add(300 * time.Second)
	all := Threshold(sessionStart, now, Window{All: true})
	fixed := Threshold(sessionStart, now, Window{Seconds: 300})
	if all != fixed {
		t.Errorf("unbounded threshold %d != 300s threshold %d", all, fixed)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Window
		wantErr bool
	}{
		{"all", Window{All: true}, false},
		{"30", Window{Seconds: 30}, false},
		{"300", Window{Seconds: 300}, false},
		{"0", Window{}, true},
		{"-5", Window{}, true},
		{"", Window{}, true},
		{"soon", Window{}, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestWindowString(t *testing.T) {
	if got := (Window{All: true}).String(); got != "all" {
		t.Errorf("String() = %q, want all", got)
	}
	if got := (Window{Seconds: 60}).String(); got != "60" {
		t.Errorf("String() = %q, want 60", got)
	}
}
