package matcher

import "strings"

// Topics the prompt knows how to steer towards. Order matters: matches are
// reported in this order.
var Topics = []string{
	"seguro de auto",
	"seguro de vida",
	"seguro de salud",
	"seguro de hogar",
	"seguro de viaje",
	"póliza",
	"cotización",
	"siniestro",
	"reclamación",
	"cobertura",
	"deducible",
	"asistencia",
}

// Threshold a fallback similarity score has to exceed.
const Threshold = 0.6

type Result struct {
	Detected bool     `json:"detected"`
	Matches  []string `json:"matches"`
}

// Detect runs against the package topic list.
func Detect(transcript string) Result {
	return DetectIn(transcript, Topics)
}

// DetectIn looks for topics inside transcript. Plain containment wins; the
// similarity fallback only runs when nothing was contained.
func DetectIn(transcript string, topics []string) Result {
	text := strings.ToLower(transcript)

	var matches []string
	for _, topic := range topics {
		if strings.Contains(text, strings.ToLower(topic)) {
			matches = append(matches, topic)
		}
	}

	if len(matches) == 0 {
		for _, topic := range topics {
			if Similarity(text, topic) > Threshold {
				matches = append(matches, topic)
			}
		}
	}

	return Result{
		Detected: len(matches) > 0,
		Matches:  matches,
	}
}

// Similarity is the share of the shorter string's characters that appear
// anywhere in the longer one, divided by the longer length. Repeated
// characters count every time.
func Similarity(a, b string) float64 {
	longer := []rune(strings.ToLower(a))
	shorter := []rune(strings.ToLower(b))
	if len(shorter) > len(longer) {
		longer, shorter = shorter, longer
	}
	if len(longer) == 0 {
		return 0
	}

	present := make(map[rune]struct{}, len(longer))
	for _, r := range longer {
		present[r] = struct{}{}
	}

	hits := 0
	for _, r := range shorter {
		if _, ok := present[r]; ok {
			hits++
		}
	}

	return float64(hits) / float64(len(longer))
}
