package pttflow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestPCM16BytesFor(t *testing.T) {
	tests := []struct {
		name       string
		ms         int
		sampleRate int
		expected   int
	}{
		{"200ms at 24kHz", 200, 24000, 9600},
		{"1000ms at 16kHz", 1000, 16000, 32000},
		{"zero duration", 0, 16000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PCM16BytesFor(tt.ms, tt.sampleRate); got != tt.expected {
				t.Errorf("PCM16BytesFor(%d, %d) = %d, want %d", tt.ms, tt.sampleRate, got, tt.expected)
			}
		})
	}
}

func TestWAVFromPCM16Mono(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	wav := WAVFromPCM16Mono(pcm, DefaultSampleRate)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("expected %d bytes, got %d", 44+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE header")
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != DefaultSampleRate {
		t.Errorf("expected sample rate %d, got %d", DefaultSampleRate, got)
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Error("sample data not copied")
	}
	if !IsWAV(wav) {
		t.Error("IsWAV should accept generated file")
	}
}

func TestPCM16FromWAV(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x10, 0x20}, 100)
	got, rate, err := PCM16FromWAV(WAVFromPCM16Mono(pcm, 8000))
	if err != nil {
		t.Fatalf("PCM16FromWAV: %v", err)
	}
	if rate != 8000 || !bytes.Equal(got, pcm) {
		t.Errorf("round trip mismatch: rate=%d len=%d", rate, len(got))
	}
}

func TestPCM16FromWAVSkipsUnknownChunks(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	wav := WAVFromPCM16Mono(pcm, 16000)
	// splice an odd-sized LIST chunk between fmt and data
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	spliced := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	got, _, err := PCM16FromWAV(spliced)
	if err != nil {
		t.Fatalf("PCM16FromWAV: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("expected %v, got %v", pcm, got)
	}
}

func TestPCM16FromWAVRejects(t *testing.T) {
	stereo := WAVFromPCM16Mono([]byte{0, 0, 0, 0}, 16000)
	binary.LittleEndian.PutUint16(stereo[22:], 2)

	truncated := WAVFromPCM16Mono([]byte{0, 0, 0, 0}, 16000)
	binary.LittleEndian.PutUint32(truncated[40:], 1000)

	noData := WAVFromPCM16Mono(nil, 16000)[:36]

	zeroRate := WAVFromPCM16Mono([]byte{0, 0, 0, 0}, 16000)
	binary.LittleEndian.PutUint32(zeroRate[24:], 0)

	tests := map[string][]byte{
		"not riff":  []byte("ID3 some mp3 data"),
		"stereo":    stereo,
		"truncated": truncated,
		"no data":   noData,
		"zero rate": zeroRate,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, err := PCM16FromWAV(in); !errors.Is(err, ErrNotWAV) {
				t.Errorf("expected ErrNotWAV, got %v", err)
			}
		})
	}
}
