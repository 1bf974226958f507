package builtin

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

// soundsFS holds the default sounds embedded in the binary. The test
// sample is extracted to the data directory on first boot so the sample
// store can load (and later reload) it like any other file.
//
//go:embed sounds/*.wav
var soundsFS embed.FS

// TestSoundName is the file name of the embedded test sample, relative
// to the extracted sounds directory.
const TestSoundName = "pluck.wav"

// embeddedSounds lists the files extracted by ExtractSounds.
var embeddedSounds = []string{
	TestSoundName,
}

// ExtractSounds writes the embedded sounds into dir, creating it if
// necessary. Existing files are left alone so an operator can replace
// them. Returns the directory to add to the sample search path.
func ExtractSounds(dataDir string) (string, error) {
	dir := filepath.Join(dataDir, "sounds")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating sounds directory: %w", err)
	}
	for _, name := range embeddedSounds {
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		data, err := soundsFS.ReadFile("sounds/" + name)
		if err != nil {
			return "", fmt.Errorf("reading embedded sound %s: %w", name, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return "", fmt.Errorf("extracting %s: %w", name, err)
		}
	}
	return dir, nil
}
