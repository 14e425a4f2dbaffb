package evaluate

import "github.com/linnemanlabs/sentinelmesh/internal/event"

// Features is the minimal projection of a report relevant to classification.
// Nothing else from the report is disclosed to a model.
type Features struct {
	CitizenID      string   `json:"citizen_id"`
	Lat            *float64 `json:"lat"`
	Lon            *float64 `json:"lon"`
	Emergency      bool     `json:"emergency"`
	AudioSignature *string  `json:"audio_signature"`
	PanicMotion    bool     `json:"panic_motion"`
}

// Normalize projects a telemetry event down to its Features.
func Normalize(ev *event.Telemetry) Features {
	p := ev.Payload
	f := Features{
		CitizenID:   p.CitizenID,
		Lat:         p.Lat,
		Lon:         p.Lon,
		Emergency:   p.Emergency,
		PanicMotion: p.Signals.PanicMotion,
	}
	if a := p.Signals.AudioSignature; a != "" {
		f.AudioSignature = &a
	}
	return f
}

func (f *Features) audio() string {
	if f.AudioSignature == nil {
		return ""
	}
	return *f.AudioSignature
}
