package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestMulawDecodeKnownValues(t *testing.T) {
	tests := []struct {
		name string
		in   byte
		want int16
	}{
		{"max negative", 0x00, -32124},
		{"negative zero", 0x7F, 0},
		{"max positive", 0x80, 32124},
		{"positive zero", 0xFF, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MulawDecode(tt.in); got != tt.want {
				t.Errorf("MulawDecode(%#x) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestMulawRoundTrip(t *testing.T) {
	// Encoding is lossy, so require the round trip to land close to the
	// original rather than exactly on it.
	samples := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000}
	for _, s := range samples {
		decoded := MulawDecode(PCMToMulaw([]int16{s})[0])
		diff := int32(decoded) - int32(s)
		if diff < 0 {
			diff = -diff
		}
		limit := int32(s) / 8
		if limit < 0 {
			limit = -limit
		}
		if limit < 32 {
			limit = 32
		}
		if diff > limit {
			t.Errorf("round trip of %d gave %d (diff %d)", s, decoded, diff)
		}
	}
}

func TestChunkEnergy(t *testing.T) {
	silence := bytes.Repeat([]byte{0xFF}, 160)
	if e := ChunkEnergy(silence); e != 0 {
		t.Errorf("silence energy = %f, want 0", e)
	}

	loud := bytes.Repeat([]byte{0x00}, 160)
	if e := ChunkEnergy(loud); e != 32124 {
		t.Errorf("loud energy = %f, want 32124", e)
	}

	if e := ChunkEnergy(nil); e != 0 {
		t.Errorf("empty energy = %f, want 0", e)
	}
}

func TestPCMBytesRoundTrip(t *testing.T) {
	pcm := []int16{0, 1, -1, 32767, -32768, 1234}
	got, err := BytesToPCM(PCMToBytes(pcm))
	if err != nil {
		t.Fatalf("BytesToPCM: %v", err)
	}
	if len(got) != len(pcm) {
		t.Fatalf("length = %d, want %d", len(got), len(pcm))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], pcm[i])
		}
	}

	if _, err := BytesToPCM([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for odd-length input")
	}
}

func TestResample(t *testing.T) {
	in := make([]int16, 16000) // 1s at 16kHz
	out := Resample(in, 16000, 8000)
	if len(out) != 8000 {
		t.Errorf("downsample length = %d, want 8000", len(out))
	}

	same := Resample(in, 8000, 8000)
	if len(same) != len(in) {
		t.Errorf("identity resample changed length: %d", len(same))
	}
}

func TestMulawToWAVHeader(t *testing.T) {
	mulaw := bytes.Repeat([]byte{0xFF}, 800)
	wav := MulawToWAV(mulaw, TelephonySampleRate)

	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Fatal("missing RIFF magic")
	}
	if !bytes.Equal(wav[8:12], []byte("WAVE")) {
		t.Fatal("missing WAVE magic")
	}

	// 16-bit mono PCM data should be twice the mulaw byte count.
	dataLen := binary.LittleEndian.Uint32(wav[len(wav)-len(mulaw)*2-4 : len(wav)-len(mulaw)*2])
	if int(dataLen) != len(mulaw)*2 {
		t.Errorf("data chunk length = %d, want %d", dataLen, len(mulaw)*2)
	}

	rate := binary.LittleEndian.Uint32(wav[24:28])
	if rate != TelephonySampleRate {
		t.Errorf("sample rate = %d, want %d", rate, TelephonySampleRate)
	}
}
