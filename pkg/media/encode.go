package media

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Level computes the normalized loudness of a little-endian int16 PCM buffer:
// the mean absolute sample value divided by 32768, in [0, 1]. An empty or
// odd-length buffer yields 0.
func Level(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(samples) / 32768
}

// EncodeAudio packages a PCM frame as a wire Blob tagged with the target
// sample rate. Frames with no data are dropped: the second return is false
// and no Blob is produced. Resampling is assumed done upstream by the
// capture configuration; the frame's own rate is trusted.
func EncodeAudio(frame AudioFrame) (Blob, bool) {
	if len(frame.Data) == 0 {
		return Blob{}, false
	}
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(frame.Data),
		MIMEType: fmt.Sprintf("audio/pcm;rate=%d", frame.SampleRate),
	}, true
}

// EncodeImagePNG packages raw PNG bytes as an image Blob.
func EncodeImagePNG(png []byte) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(png),
		MIMEType: "image/png",
	}
}

// BlobFromDataURL converts a "data:image/png;base64,...." URL into an image
// Blob without re-encoding the payload.
func BlobFromDataURL(dataURL string) (Blob, error) {
	i := strings.IndexByte(dataURL, ',')
	if i < 0 {
		return Blob{}, fmt.Errorf("media: malformed data URL")
	}
	header, payload := dataURL[:i], dataURL[i+1:]
	if !strings.HasSuffix(header, ";base64") {
		return Blob{}, fmt.Errorf("media: data URL is not base64-encoded")
	}
	mime := strings.TrimPrefix(strings.TrimSuffix(header, ";base64"), "data:")
	if mime == "" {
		mime = "image/png"
	}
	return Blob{Data: payload, MIMEType: mime}, nil
}

// DecodePCM16 converts little-endian int16 PCM bytes into normalized float32
// samples in [-1, 1] by dividing by 32768. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	samples := len(pcm) / 2
	out := make([]float32, samples)
	for i := 0; i < samples; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}
