package session

// ControlMessage is a structured text message sent over an open session.
type ControlMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Params carries the sampling parameters that may change mid-session. Nil
// fields are left untouched by the server.
type Params struct {
	TextTemperature  *float64 `json:"text_temperature,omitempty"`
	TextTopK         *int     `json:"text_topk,omitempty"`
	AudioTemperature *float64 `json:"audio_temperature,omitempty"`
	AudioTopK        *int     `json:"audio_topk,omitempty"`
}

// Empty reports whether no field is set.
func (p Params) Empty() bool {
	return p.TextTemperature == nil && p.TextTopK == nil && p.AudioTemperature == nil && p.AudioTopK == nil
}

// Clamp returns a copy with set fields inside their supported ranges.
func (p Params) Clamp() Params {
	d := Default()
	if p.TextTemperature != nil {
		v := ClampTemperature(*p.TextTemperature, d.TextTemperature)
		p.TextTemperature = &v
	}
	if p.AudioTemperature != nil {
		v := ClampTemperature(*p.AudioTemperature, d.AudioTemperature)
		p.AudioTemperature = &v
	}
	if p.TextTopK != nil {
		v := ClampTextTopK(*p.TextTopK)
		p.TextTopK = &v
	}
	if p.AudioTopK != nil {
		v := ClampAudioTopK(*p.AudioTopK)
		p.AudioTopK = &v
	}
	return p
}

// Apply returns c with the set fields of p applied (clamped).
func (p Params) Apply(c Config) Config {
	p = p.Clamp()
	if p.TextTemperature != nil {
		c.TextTemperature = *p.TextTemperature
	}
	if p.TextTopK != nil {
		c.TextTopK = *p.TextTopK
	}
	if p.AudioTemperature != nil {
		c.AudioTemperature = *p.AudioTemperature
	}
	if p.AudioTopK != nil {
		c.AudioTopK = *p.AudioTopK
	}
	return c
}

// NewMetadataUpdate builds the live-update message for p.
func NewMetadataUpdate(p Params) ControlMessage {
	return ControlMessage{Type: "metadata", Data: p.Clamp()}
}

// Float and Int are small helpers for building Params literals.
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }
