package h264

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

var testPPS = []byte{0x68, 0xce, 0x3c, 0x80}

// payload returns a NAL unit body that survives stuffing and unescaping
// unchanged: no run of three zeros, no 00 00 03 and a non-zero tail.
func payload(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		v := byte(r.Intn(256))
		if r.Intn(4) == 0 {
			v = 0
		}
		if i >= 2 && b[i-1] == 0 && b[i-2] == 0 && (v == 0 || v == 3) {
			v = 1
		}
		if i >= n-3 && v == 0 {
			v = 0x80
		}
		b[i] = v
	}
	return b
}

func nalu(header byte, body []byte) []byte {
	return append([]byte{header}, body...)
}

func TestReassembleEmpty(t *testing.T) {
	r := NewReassembler(0)
	frame, changed, err := r.Reassemble(nil)
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if len(frame) != 0 || changed {
		t.Fatalf("frame=%x changed=%v, want empty/false", frame, changed)
	}
	if _, ok := r.VideoSize(); ok {
		t.Fatal("video size must be undefined before any SPS")
	}
	if r.Capacity() != DefaultBufferSize {
		t.Fatalf("Capacity = %d, want %d", r.Capacity(), DefaultBufferSize)
	}
}

func TestReassembleFraming(t *testing.T) {
	sps := baselineSPS(10, 7)
	idr := []byte{0x65, 0x88, 0x84, 0x21}
	slice := []byte{0x41, 0x9a, 0x02}

	r := NewReassembler(0)
	frame, changed, err := r.Reassemble([][]byte{sps, testPPS, idr, slice})
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if !changed {
		t.Fatal("first SPS/PPS must report a change")
	}

	var want []byte
	want = append(want, 0, 0, 0, 0, 1)
	want = append(want, sps...)
	want = append(want, 0, 0, 0, 0, 1)
	want = append(want, testPPS...)
	want = append(want, 0, 0, 0, 1)
	want = append(want, idr...)
	want = append(want, 0, 0, 0, 1)
	want = append(want, slice...)
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame =\n%x\nwant\n%x", frame, want)
	}

	size, ok := r.VideoSize()
	if !ok || size != (VideoSize{Width: 176, Height: 128}) {
		t.Fatalf("VideoSize = %v/%v, want 176x128", size, ok)
	}
}

func TestReassembleFirstUnitGetsLeadingZero(t *testing.T) {
	r := NewReassembler(0)
	frame, _, err := r.Reassemble([][]byte{{0x41, 0x01, 0x02, 0x03}, {0x41, 0x04, 0x05, 0x06}})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 0, 0, 1, 0x41, 1, 2, 3, 0, 0, 0, 1, 0x41, 4, 5, 6}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %x, want %x", frame, want)
	}
}

func TestReassembleStuffing(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"pair then one", []byte{0x41, 0xaa, 0, 0, 1, 0xbb, 0xcc, 0xdd}, []byte{0x41, 0xaa, 0, 0, 3, 1, 0xbb, 0xcc, 0xdd}},
		{"pair then two", []byte{0x41, 0, 0, 2, 0xbb, 0xcc, 0xdd}, []byte{0x41, 0, 0, 3, 2, 0xbb, 0xcc, 0xdd}},
		{"pair then three untouched", []byte{0x41, 0, 0, 3, 0xbb, 0xcc, 0xdd}, []byte{0x41, 0, 0, 3, 0xbb, 0xcc, 0xdd}},
		{"tail copied verbatim", []byte{0x41, 0xaa, 0, 0, 1}, []byte{0x41, 0xaa, 0, 0, 1}},
		{"short unit", []byte{0x41, 0}, []byte{0x41, 0}},
		{"header only", []byte{0x41}, []byte{0x41}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReassembler(0)
			frame, _, err := r.Reassemble([][]byte{tt.in})
			if err != nil {
				t.Fatal(err)
			}
			want := append([]byte{0, 0, 0, 0, 1}, tt.want...)
			if !bytes.Equal(frame, want) {
				t.Fatalf("frame = %x, want %x", frame, want)
			}
		})
	}
}

func TestReassemblePassThrough(t *testing.T) {
	marked := []byte{0, 0, 0, 1, 0x41, 0, 0, 1, 0x22}
	r := NewReassembler(0)
	frame, changed, err := r.Reassemble([][]byte{marked})
	if err != nil {
		t.Fatal(err)
	}
	if changed || !bytes.Equal(frame, marked) {
		t.Fatalf("pass-through unit altered: %x (changed=%v)", frame, changed)
	}
}

func TestReassembleMarkedUnitKeepsLeadingZero(t *testing.T) {
	r := NewReassembler(0)
	frame, _, err := r.Reassemble([][]byte{
		{0, 0, 0, 1, 0x09, 0xf0},
		{0x65, 0x88, 0x84, 0x21, 0x00},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 0, 1, 0x09, 0xf0, 0, 0, 0, 0, 1, 0x65, 0x88, 0x84, 0x21, 0x00}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %x, want %x", frame, want)
	}
}

func TestReassembleIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	nalus := [][]byte{baselineSPS(21, 17), testPPS, nalu(0x65, payload(rng, 3000))}
	for i := 0; i < 5; i++ {
		nalus = append(nalus, nalu(0x41, payload(rng, 200+rng.Intn(800))))
	}

	first, _, err := NewReassembler(0).Reassemble(nalus)
	if err != nil {
		t.Fatal(err)
	}
	first = bytes.Clone(first)
	second, _, err := NewReassembler(0).Reassemble(nalus)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("reassembling the same units twice produced different output")
	}
}

func TestReassembleRoundTripThroughSplit(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	nalus := [][]byte{baselineSPS(10, 7), testPPS, nalu(0x65, payload(rng, 1500))}
	for i := 0; i < 10; i++ {
		nalus = append(nalus, nalu(0x41, payload(rng, 1+rng.Intn(600))))
	}

	frame, _, err := NewReassembler(0).Reassemble(nalus)
	if err != nil {
		t.Fatal(err)
	}
	units := SplitAnnexB(frame)
	if len(units) != len(nalus) {
		t.Fatalf("split into %d units, want %d", len(units), len(nalus))
	}
	for i, u := range units {
		if NALType(u) != NALType(nalus[i]) {
			t.Fatalf("unit %d: type %d, want %d", i, NALType(u), NALType(nalus[i]))
		}
		if got := append([]byte{u[0]}, UnescapeRBSP(u[1:])...); !bytes.Equal(got, nalus[i]) {
			t.Fatalf("unit %d: payload differs after unescape", i)
		}
	}
}

func TestReassembleParameterSetChange(t *testing.T) {
	sps1 := baselineSPS(10, 7)
	sps2 := baselineSPS(21, 17)
	idr := []byte{0x65, 0x88, 0x84, 0x21}

	r := NewReassembler(0)
	if _, changed, err := r.Reassemble([][]byte{sps1, testPPS, idr}); err != nil || !changed {
		t.Fatalf("first SPS: changed=%v err=%v", changed, err)
	}
	if _, changed, err := r.Reassemble([][]byte{sps1, testPPS, idr}); err != nil || changed {
		t.Fatalf("repeated SPS/PPS: changed=%v err=%v, want false", changed, err)
	}

	if _, changed, err := r.Reassemble([][]byte{sps2, idr}); err != nil || !changed {
		t.Fatalf("new SPS: changed=%v err=%v, want true", changed, err)
	}
	if size, _ := r.VideoSize(); size != (VideoSize{Width: 352, Height: 288}) {
		t.Fatalf("VideoSize = %s, want 352x288", size)
	}
	if r.PPS() != nil {
		t.Fatal("an SPS change must drop the cached PPS")
	}

	// Same length, different content.
	sps3 := bytes.Clone(sps2)
	sps3[2] ^= 0x01
	if _, changed, err := r.Reassemble([][]byte{sps3}); err != nil || !changed {
		t.Fatalf("same-length SPS with other bytes: changed=%v err=%v, want true", changed, err)
	}
	if !bytes.Equal(r.SPS(), sps3) {
		t.Fatal("cached SPS not replaced")
	}
}

func TestReassemblePPSChangeOnly(t *testing.T) {
	r := NewReassembler(0)
	if _, _, err := r.Reassemble([][]byte{baselineSPS(10, 7), testPPS}); err != nil {
		t.Fatal(err)
	}
	pps2 := []byte{0x68, 0xee, 0x3c, 0x80}
	if _, changed, err := r.Reassemble([][]byte{pps2}); err != nil || !changed {
		t.Fatalf("changed=%v err=%v, want true", changed, err)
	}
	if !bytes.Equal(r.PPS(), pps2) {
		t.Fatalf("PPS = %x, want %x", r.PPS(), pps2)
	}
}

func TestReassembleMalformedSPSKeepsCache(t *testing.T) {
	good := baselineSPS(10, 7)
	r := NewReassembler(0)
	if _, _, err := r.Reassemble([][]byte{good, testPPS}); err != nil {
		t.Fatal(err)
	}

	bad := []byte{0x67, 0x42, 0x00}
	frame, changed, err := r.Reassemble([][]byte{bad, []byte{0x68, 0x01, 0x02, 0x03}})
	if !errors.Is(err, ErrMalformedSPS) {
		t.Fatalf("err = %v, want ErrMalformedSPS", err)
	}
	if frame != nil || changed {
		t.Fatalf("failed frame returned data: %x changed=%v", frame, changed)
	}
	if !bytes.Equal(r.SPS(), good) || !bytes.Equal(r.PPS(), testPPS) {
		t.Fatal("parameter-set cache corrupted by a malformed SPS")
	}
	if size, ok := r.VideoSize(); !ok || size.Width != 176 {
		t.Fatalf("VideoSize = %v/%v, want cached 176x128", size, ok)
	}
}

func TestReassembleGrowsPastInitialBuffer(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	var (
		units [][]byte
		plain int
	)
	for total := 0; total < 3*DefaultBufferSize; {
		n := 1 + rng.Intn(9000)
		body := make([]byte, n)
		// Every other unit is mostly zeros so stuffing inflates it while the
		// buffer grows.
		zeros := len(units)%2 == 1
		for i := range body {
			if !zeros || rng.Intn(16) == 0 {
				body[i] = byte(1 + rng.Intn(255))
			}
		}
		u := nalu(0x41, body)
		units = append(units, u)
		total += len(u)
		plain += 4 + len(u)
	}
	plain++ // leading zero of the first unit

	// Framing each unit alone in a buffer that never grows gives the
	// expected bytes.
	var want []byte
	ref := NewReassembler(16 * DefaultBufferSize)
	for i, u := range units {
		f, _, err := ref.Reassemble([][]byte{u})
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 {
			f = f[1:]
		}
		want = append(want, f...)
	}
	if ref.Capacity() != 16*DefaultBufferSize {
		t.Fatalf("reference buffer grew to %d", ref.Capacity())
	}
	if len(want) <= plain {
		t.Fatalf("no stuffing applied: %d <= %d", len(want), plain)
	}

	r := NewReassembler(0)
	frame, _, err := r.Reassemble(units)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame length = %d, want %d bytes matching the per-unit framing", len(frame), len(want))
	}
	if r.Capacity() <= DefaultBufferSize {
		t.Fatalf("Capacity = %d, expected growth past %d", r.Capacity(), DefaultBufferSize)
	}
}

func TestReassemblerReset(t *testing.T) {
	r := NewReassembler(1024)
	if _, _, err := r.Reassemble([][]byte{baselineSPS(10, 7), testPPS}); err != nil {
		t.Fatal(err)
	}
	r.Reset()
	if r.SPS() != nil || r.PPS() != nil {
		t.Fatal("Reset must clear parameter sets")
	}
	if _, ok := r.VideoSize(); ok {
		t.Fatal("Reset must clear video size")
	}
	if _, changed, _ := r.Reassemble([][]byte{baselineSPS(10, 7)}); !changed {
		t.Fatal("SPS after Reset must count as a change")
	}
}
