package device

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    Device
		wantErr bool
	}{
		{name: "cpu", spec: "cpu", want: Device{Kind: CPU}},
		{name: "cpu mixed case", spec: " CPU ", want: Device{Kind: CPU}},
		{name: "auto resolves", spec: "auto", want: Device{Kind: CPU}},
		{name: "empty is auto", spec: "", want: Device{Kind: CPU}},
		{name: "cpu with ordinal", spec: "cpu:1", wantErr: true},
		{name: "cpu with zero ordinal", spec: "cpu:0", wantErr: true},
		{name: "auto with ordinal", spec: "auto:0", wantErr: true},
		{name: "negative ordinal", spec: "cuda:-1", wantErr: true},
		{name: "garbage", spec: "tpu", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse %q: %v", tt.spec, err)
			}
			if got != tt.want {
				t.Fatalf("parse %q: got %+v want %+v", tt.spec, got, tt.want)
			}
		})
	}
}

func TestParseCUDAWithoutBuildTag(t *testing.T) {
	if Has(CUDA) {
		t.Skip("cuda build")
	}
	if _, err := Parse("cuda"); err == nil {
		t.Fatalf("expected error parsing cuda in a cpu-only build")
	}
	if _, err := Parse("cuda:1"); err == nil {
		t.Fatalf("expected error parsing cuda:1 in a cpu-only build")
	}
}

func TestDeviceString(t *testing.T) {
	if got := (Device{Kind: CPU}).String(); got != "cpu" {
		t.Fatalf("cpu string: %q", got)
	}
	if got := (Device{Kind: CUDA, Ordinal: 2}).String(); got != "cuda:2" {
		t.Fatalf("cuda string: %q", got)
	}
	if got := (Device{Kind: CUDA}).String(); got != "cuda" {
		t.Fatalf("cuda:0 string: %q", got)
	}
}

func TestAllocatorTracking(t *testing.T) {
	var a Allocator

	a.Register(1000)
	st := a.Stats()
	if st.FootprintBytes != 1000 || st.CurrentBytes != 1000 || st.PeakBytes != 1000 {
		t.Fatalf("after register: %+v", st)
	}

	buf := a.Floats(250) // 1000 bytes
	st = a.Stats()
	if st.CurrentBytes != 2000 || st.PeakBytes != 2000 {
		t.Fatalf("after scratch alloc: %+v", st)
	}
	if st.FootprintBytes != 1000 {
		t.Fatalf("scratch must not count as footprint: %+v", st)
	}

	a.ReleaseFloats(buf)
	st = a.Stats()
	if st.CurrentBytes != 1000 {
		t.Fatalf("after release: %+v", st)
	}
	if st.PeakBytes != 2000 {
		t.Fatalf("peak must persist past release: %+v", st)
	}

	a.ResetPeakStats()
	st = a.Stats()
	if st.PeakBytes != 1000 {
		t.Fatalf("after reset: %+v", st)
	}

	b2 := a.Floats(10)
	a.ReleaseFloats(b2)
	st = a.Stats()
	if st.PeakBytes != 1040 {
		t.Fatalf("peak after reset window: %+v", st)
	}
}

func TestAllocatorUnregisterClamps(t *testing.T) {
	var a Allocator
	a.Register(100)
	a.Unregister(500)
	st := a.Stats()
	if st.FootprintBytes != 0 || st.CurrentBytes != 0 {
		t.Fatalf("unregister should clamp to zero: %+v", st)
	}
}
