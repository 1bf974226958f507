package sample

import (
	"fmt"
	"os"

	"github.com/go-audio/aiff"
	"github.com/go-audio/wav"
)

// pcmData is the decoded form every loader produces: interleaved 16-bit
// signed PCM plus the source geometry.
type pcmData struct {
	rate      int
	channels  int
	bits      int
	frames    int64
	data      []int16
	hasLoop   bool
	loopStart int64
	loopEnd   int64
}

// loader decodes one audio file format. Loaders are stateless; the store
// keeps one per sample so evicted PCM can be reloaded.
type loader interface {
	load(path string) (*pcmData, error)
}

var loaders = map[string]loader{
	".wav":  wavLoader{},
	".aiff": aiffLoader{},
	".aif":  aiffLoader{},
	".aifc": aiffLoader{},
	".au":   auLoader{},
}

func findLoader(ext string) (loader, error) {
	ld, ok := loaders[ext]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sound file extension %q", ErrLoad, ext)
	}
	return ld, nil
}

// normalize converts decoder output samples of the given source bit depth
// to 16-bit signed.
func normalize(data []int, bits int, unsigned8 bool) []int16 {
	out := make([]int16, len(data))
	switch bits {
	case 8:
		for i, v := range data {
			if unsigned8 {
				v -= 128
			}
			out[i] = int16(v << 8)
		}
	case 16:
		for i, v := range data {
			out[i] = int16(v)
		}
	case 24:
		for i, v := range data {
			out[i] = int16(v >> 8)
		}
	case 32:
		for i, v := range data {
			out[i] = int16(v >> 16)
		}
	default:
		for i, v := range data {
			out[i] = int16(v)
		}
	}
	return out
}

// wavLoader decodes RIFF WAVE files.
type wavLoader struct{}

func (wavLoader) load(path string) (*pcmData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("not a valid WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding wav data: %w", err)
	}
	channels := buf.Format.NumChannels
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	bits := int(dec.BitDepth)
	data := normalize(buf.Data, bits, bits == 8)

	return &pcmData{
		rate:     buf.Format.SampleRate,
		channels: channels,
		bits:     bits,
		frames:   int64(len(data) / channels),
		data:     data,
	}, nil
}

// aiffLoader decodes AIFF/AIFC files. Loop points come from MARK chunk
// markers 1 (start) and 2 (end), which the decoder library does not
// surface, so a second pass scans the chunk list directly.
type aiffLoader struct{}

func (aiffLoader) load(path string) (*pcmData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := aiff.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding aiff data: %w", err)
	}
	channels := int(dec.NumChans)
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	bits := int(dec.BitDepth)
	data := normalize(buf.Data, bits, false)

	pcm := &pcmData{
		rate:     int(dec.SampleRate),
		channels: channels,
		bits:     bits,
		frames:   int64(len(data) / channels),
		data:     data,
	}

	loopStart, loopEnd, err := scanAIFFMarkers(path)
	if err == nil && loopStart >= 0 && loopEnd > loopStart && loopEnd <= pcm.frames {
		pcm.hasLoop = true
		pcm.loopStart = loopStart
		pcm.loopEnd = loopEnd
	}
	return pcm, nil
}
