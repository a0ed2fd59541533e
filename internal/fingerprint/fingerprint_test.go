package fingerprint

import "testing"

func TestOfNormalizesSchemeAndHostOnly(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Fingerprint
	}{
		{
			name: "lowercases scheme and host",
			in:   "RTSP://Camera.Local:554/Stream1?token=ABC",
			want: "rtsp://camera.local:554/Stream1?token=ABC",
		},
		{
			name: "preserves path and query case",
			in:   "rtsp://10.0.0.5/Live/Ch01?user=Admin",
			want: "rtsp://10.0.0.5/Live/Ch01?user=Admin",
		},
		{
			name: "no query string",
			in:   "rtsp://cam/stream",
			want: "rtsp://cam/stream",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Of(tc.in)
			if err != nil {
				t.Fatalf("Of(%q) returned error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("Of(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestOfSameFingerprintForEquivalentURLs(t *testing.T) {
	a, err := Of("RTSP://Camera.Local/stream1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Of("rtsp://camera.local/stream1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected equivalent fingerprints, got %q and %q", a, b)
	}
}

func TestOfRejectsInvalidInput(t *testing.T) {
	cases := []string{"", "   ", "not-a-url", "/just/a/path"}
	for _, in := range cases {
		if _, err := Of(in); err == nil {
			t.Fatalf("Of(%q) expected error, got nil", in)
		}
	}
}
