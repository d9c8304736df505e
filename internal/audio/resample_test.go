package audio

import (
	"errors"
	"math"
	"testing"
)

func TestResampleIdentity(t *testing.T) {
	in := []int16{0, 120, -3000, 32767, -32768, 5}
	for _, rate := range []int{8000, 16000, 44100, 48000} {
		out, err := Resample(in, rate, rate)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out) != len(in) {
			t.Fatalf("rate %d: expected %d samples, got %d", rate, len(in), len(out))
		}
		for i := range in {
			if out[i] != in[i] {
				t.Fatalf("rate %d: sample %d changed from %d to %d", rate, i, in[i], out[i])
			}
		}
	}
}

func TestResampleSilenceStaysSilent(t *testing.T) {
	in := make([]int16, 4410)
	out, err := Resample(in, 44100, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) == 0 || len(out)%2 != 0 {
		t.Fatalf("expected non-empty even output, got %d", len(out))
	}
	for i, s := range out {
		if s != 0 {
			t.Fatalf("expected silence, sample %d = %d", i, s)
		}
	}
}

func TestResampleEmpty(t *testing.T) {
	out, err := Resample(nil, 48000, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %d samples", len(out))
	}
}

func TestResampleInvalidRate(t *testing.T) {
	if _, err := Resample([]int16{1, 2}, 0, 16000); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
}

func TestResamplePreservesTiming(t *testing.T) {
	cases := []struct {
		from, to int
	}{
		{48000, 16000},
		{44100, 16000},
		{8000, 16000},
	}
	for _, tc := range cases {
		in := make([]int16, tc.from/2)
		impulseAt := tc.from / 10 // 100ms
		in[impulseAt] = 10000

		out, err := Resample(in, tc.from, tc.to)
		if err != nil {
			t.Fatalf("%d->%d: unexpected error: %v", tc.from, tc.to, err)
		}
		want := tc.to / 10
		got := argmaxAbs(out)
		if got != want {
			t.Fatalf("%d->%d: expected impulse at %d, got %d", tc.from, tc.to, want, got)
		}
		if out[got] != FullScale {
			t.Fatalf("%d->%d: expected normalized peak %d, got %d", tc.from, tc.to, FullScale, out[got])
		}
	}
}

func TestResampleLengthAndNormalization(t *testing.T) {
	in := make([]int16, 44100)
	for i := range in {
		in[i] = int16(2000 * math.Sin(2*math.Pi*440*float64(i)/44100))
	}
	out, err := Resample(in, 44100, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 16000 {
		t.Fatalf("expected 16000 samples for one second, got %d", len(out))
	}
	if Peak(out) != FullScale {
		t.Fatalf("expected peak %d after normalization, got %d", FullScale, Peak(out))
	}
}

func TestResamplePadsOddOutput(t *testing.T) {
	out, err := Resample([]int16{100, 200, 300}, 48000, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected one sample plus padding, got %d", len(out))
	}
	if out[1] != 0 {
		t.Fatalf("expected zero padding, got %d", out[1])
	}
}

func TestNormalizeWithExternalPeak(t *testing.T) {
	out := Normalize([]float64{100, -50}, 200)
	if out[0] != 16384 || out[1] != -8192 {
		t.Fatalf("unexpected scaling %v", out)
	}
	out = Normalize([]float64{1.4, -1.6}, 0)
	if out[0] != 1 || out[1] != -2 {
		t.Fatalf("expected rounding only, got %v", out)
	}
}

func TestResampleWithPeakCarriesRunningPeak(t *testing.T) {
	loud := make([]int16, 4800)
	loud[2400] = 20000
	quiet := make([]int16, 4800)
	quiet[2400] = 10000

	out, peak, err := ResampleWithPeak(loud, 48000, 16000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Peak(out) != FullScale {
		t.Fatalf("first block should reach full scale, got %d", Peak(out))
	}

	out, next, err := ResampleWithPeak(quiet, 48000, 16000, peak)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != peak {
		t.Fatalf("running peak should not shrink: %f -> %f", peak, next)
	}
	got := int(Peak(out))
	if got < FullScale/2-2 || got > FullScale/2+2 {
		t.Fatalf("quieter block should keep relative loudness, got peak %d", got)
	}
}

func argmaxAbs(samples []int16) int {
	best, idx := -1, -1
	for i, s := range samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > best {
			best, idx = v, i
		}
	}
	return idx
}
