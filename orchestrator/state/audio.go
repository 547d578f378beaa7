package state

import (
	"os"
	"path/filepath"
)

// audioExtensions are the renderer output formats we accept.
var audioExtensions = []string{".wav", ".mp3", ".m4a"}

// FileAudioChecker marks a slot ready once the renderer has dropped
// audio/<lang>.<ext> into the project directory. Slots never go back from
// ready to pending: a renderer re-encoding in place must not stall an
// already-advanced project.
type FileAudioChecker struct{}

func (FileAudioChecker) CheckSlots(projectDir string, slots map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(slots))
	for lang, status := range slots {
		if status == "ready" {
			out[lang] = "ready"
			continue
		}
		out[lang] = "pending"
		for _, ext := range audioExtensions {
			if _, err := os.Stat(filepath.Join(projectDir, "audio", lang+ext)); err == nil {
				out[lang] = "ready"
				break
			}
		}
	}
	return out, nil
}
