package pricing

import "strings"

// Kind identifies a priced generation operation.
type Kind string

const (
	KindStoryText      Kind = "story_text"
	KindStorySegment   Kind = "story_segment"
	KindImage          Kind = "image"
	KindAudio          Kind = "audio"
	KindVideo          Kind = "video"
	KindCharacterImage Kind = "character_image"
)

var kinds = []Kind{
	KindStoryText,
	KindStorySegment,
	KindImage,
	KindAudio,
	KindVideo,
	KindCharacterImage,
}

// Kinds returns the closed set of operation kinds.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

func ParseKind(raw string) (Kind, error) {
	candidate := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", ErrUnknownKind
}

func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Fixed reports whether the kind has a flat, input-independent cost.
func (k Kind) Fixed() bool {
	switch k {
	case KindStoryText, KindStorySegment, KindImage, KindCharacterImage:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}
