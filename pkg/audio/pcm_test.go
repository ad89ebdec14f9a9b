package audio

import (
	"testing"
)

func TestStereoToMono_Averages(t *testing.T) {
	in := []int16{100, 200, -100, 100, 32767, 32767, -32768, -32768}
	want := []int16{150, 0, 32767, -32768}

	got := StereoToMono(in)
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_DropsTrailingSample(t *testing.T) {
	got := StereoToMono([]int16{10, 20, 30})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0] != 15 {
		t.Errorf("sample = %d, want 15", got[0])
	}
}

func TestResampleMono_SameRateIsIdentity(t *testing.T) {
	in := []int16{1, 2, 3, 4}
	got := ResampleMono(in, 16000, 16000)
	if &got[0] != &in[0] {
		t.Error("same-rate resample should return the input slice")
	}
}

func TestResampleMono_DownsampleLength(t *testing.T) {
	in := make([]int16, 48000) // 1 s at 48 kHz
	got := ResampleMono(in, 48000, 16000)
	if len(got) != 16000 {
		t.Errorf("len = %d, want 16000", len(got))
	}
}

func TestResampleMono_UpsampleInterpolates(t *testing.T) {
	in := []int16{0, 300}
	got := ResampleMono(in, 16000, 32000)

	want := []int16{0, 150, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono_Empty(t *testing.T) {
	if got := ResampleMono(nil, 48000, 16000); len(got) != 0 {
		t.Errorf("resampling empty input produced %d samples", len(got))
	}
}

func TestResampleMono_TinyInput(t *testing.T) {
	// One sample at 48 kHz is less than one output sample at 16 kHz.
	if got := ResampleMono([]int16{42}, 48000, 16000); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}
