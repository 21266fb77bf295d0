// Package transcode turns assembled uploads into HLS renditions: a priority
// queue feeds a bounded worker pool that drives the encoder and reports
// progress back to state and the event bus.
package transcode

import "vodforge/internal/models"

// Rendition is one target output shape. Bitrate is the video target in kbps;
// the encoder derives maxrate from it and bufsize as twice it. Priority is
// the queue class, lower runs first.
type Rendition struct {
	Name     string
	Width    int
	Height   int
	Bitrate  int
	Priority int
}

// Renditions returns the fixed ladder in priority order.
func Renditions() []Rendition {
	return []Rendition{
		{Name: models.ResolutionLow, Width: 640, Height: 360, Bitrate: 800, Priority: 1},
		{Name: models.ResolutionMedium, Width: 1280, Height: 720, Bitrate: 2500, Priority: 2},
		{Name: models.ResolutionHigh, Width: 1920, Height: 1080, Bitrate: 5000, Priority: 3},
	}
}

func RenditionByName(name string) (Rendition, bool) {
	for _, rendition := range Renditions() {
		if rendition.Name == name {
			return rendition, true
		}
	}
	return Rendition{}, false
}

// PriorityFor maps a resolution name onto its queue class; unknown names go
// to the lowest class so they still drain.
func PriorityFor(resolution string) int {
	if rendition, ok := RenditionByName(resolution); ok {
		return rendition.Priority
	}
	return lowestPriority
}

const lowestPriority = 3
