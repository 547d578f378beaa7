package content

// voiceProfiles maps language to the renderer voice id. Pure lookup; the
// renderer owns the actual voice inventory.
var voiceProfiles = map[string]string{
	"en": "en-US-Neural2-D",
	"zh": "cmn-CN-Wavenet-B",
}

const defaultVoice = "en-US-Neural2-D"

// MatchVoice resolves the voice profile for a detected language.
func MatchVoice(language string) string {
	if v, ok := voiceProfiles[language]; ok {
		return v
	}
	return defaultVoice
}
