package pttflow

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/url"
)

// DefaultSampleRate is the sample rate voice clips are recorded at (16kHz).
const DefaultSampleRate = 16000

// maxMediaSize caps uploads and downloads of a single clip.
const maxMediaSize = 16 << 20

// PCM16BytesFor calculates the number of bytes needed for PCM16 audio of given duration.
// Formula: (milliseconds * sampleRate * 2 bytes per sample) / 1000
func PCM16BytesFor(ms int, sampleRate int) int { return (ms * sampleRate * 2) / 1000 }

type mediaResponse struct {
	URL string `json:"url"`
}

// UploadMedia stores a clip on the service and returns its URL. The service
// transcodes it to the stream's voice format.
func (c *Client) UploadMedia(ctx context.Context, a *Auth, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", NewSendError("media", "", errors.New("media cannot be empty"))
	}
	if len(data) > maxMediaSize {
		return "", NewSendError("media", "", fmt.Errorf("media too large (%d bytes), maximum is %d bytes", len(data), maxMediaSize))
	}
	if contentType == "" {
		contentType = "audio/wav"
	}
	resp, err := c.do(ctx, "POST", c.endpoint("/media"), token(a), contentType, bytes.NewReader(data))
	if err != nil {
		return "", NewSendError("media", "", err)
	}
	defer resp.Body.Close()

	var mr mediaResponse
	if err := decodeJSON(resp.Body, &mr); err != nil {
		return "", NewSendError("media", "", err)
	}
	if mr.URL == "" {
		return "", NewSendError("media", "", errors.New("upload response carried no url"))
	}
	return mr.URL, nil
}

// FetchMedia downloads a clip. Relative URLs are resolved against APIEndpoint.
// Only URLs on the API host carry the auth token.
func (c *Client) FetchMedia(ctx context.Context, a *Auth, mediaURL string) ([]byte, string, error) {
	u, err := c.base.Parse(mediaURL)
	if err != nil {
		return nil, "", NewConfigError("MediaURL", mediaURL, "invalid URL format")
	}
	tok := ""
	if u.Host == c.base.Host {
		tok = token(a)
	}
	resp, err := c.do(ctx, "GET", u.String(), tok, "", nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("pttflow: read media %s: %w", redact(u), err)
	}
	if len(data) > maxMediaSize {
		return nil, "", fmt.Errorf("pttflow: media %s exceeds %d bytes", redact(u), maxMediaSize)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	return c.String()
}

// WAVFromPCM16Mono converts raw PCM16 audio data to a complete WAV file.
// The input should be 16-bit little-endian PCM data (mono channel).
func WAVFromPCM16Mono(pcm []byte, sampleRate int) []byte {
	blockAlign := uint16(2)
	byteRate := uint32(sampleRate) * uint32(blockAlign)
	dataLen := uint32(len(pcm))
	riffLen := 36 + dataLen
	out := make([]byte, 44+len(pcm))

	// RIFF header
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], riffLen)
	copy(out[8:], "WAVE")

	// Format chunk
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:], 1)  // audio format (PCM)
	binary.LittleEndian.PutUint16(out[22:], 1)  // num channels (mono)
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], byteRate)
	binary.LittleEndian.PutUint16(out[32:], blockAlign)
	binary.LittleEndian.PutUint16(out[34:], 16) // bits per sample

	// Data chunk
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], dataLen)
	copy(out[44:], pcm)
	return out
}

// ErrNotWAV is returned by PCM16FromWAV for input that is not PCM16 mono WAV.
var ErrNotWAV = errors.New("pttflow: not a PCM16 mono WAV file")

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// PCM16FromWAV extracts the sample data and rate from a PCM16 mono WAV file.
// Chunks other than "fmt " and "data" are skipped.
func PCM16FromWAV(wav []byte) (pcm []byte, sampleRate int, err error) {
	if !IsWAV(wav) {
		return nil, 0, ErrNotWAV
	}
	var haveFmt bool
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4:]))
		body := off + 8
		if size < 0 || body+size > len(wav) {
			return nil, 0, fmt.Errorf("%w: chunk %q truncated", ErrNotWAV, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(wav[body:])
			channels := binary.LittleEndian.Uint16(wav[body+2:])
			bits := binary.LittleEndian.Uint16(wav[body+14:])
			if format != 1 || channels != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("%w: format=%d channels=%d bits=%d", ErrNotWAV, format, channels, bits)
			}
			sampleRate = int(binary.LittleEndian.Uint32(wav[body+4:]))
			if sampleRate <= 0 {
				return nil, 0, fmt.Errorf("%w: sample rate %d", ErrNotWAV, sampleRate)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return wav[body : body+size], sampleRate, nil
		}
		// chunks are word aligned
		off = body + size + size%2
	}
	return nil, 0, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}
