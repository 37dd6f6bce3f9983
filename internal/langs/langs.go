// Package langs holds the small table of languages the bridge accepts
// for transcription.
package langs

import "fmt"

// Language describes one supported transcription language.
type Language struct {
	ID          string
	DisplayName string
}

var supported = []Language{
	{ID: "en", DisplayName: "English"},
	{ID: "fr", DisplayName: "Français"},
}

// Supported returns the full table of accepted languages.
func Supported() []Language {
	out := make([]Language, len(supported))
	copy(out, supported)
	return out
}

// Validate returns an error if id does not name a supported language.
func Validate(id string) error {
	for _, l := range supported {
		if l.ID == id {
			return nil
		}
	}
	return fmt.Errorf("langs: unsupported language %q", id)
}
