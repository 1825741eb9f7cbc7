package model

import "time"

// LayerRecord is the persisted document of a layer. Playback state and the
// waveform are session-local and never stored.
type LayerRecord struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	UserID      string    `json:"userId" gorm:"size:64;index;not null"`
	CreatorName string    `json:"creatorName" gorm:"size:100"`
	Name        string    `json:"name" gorm:"size:100;not null"`
	Prompt      string    `json:"prompt" gorm:"type:text"`
	DurationMS  int64     `json:"durationMs"`
	BPM         int       `json:"bpm"`
	Key         string    `json:"key" gorm:"size:16"`
	Instrument  string    `json:"instrument" gorm:"size:20;default:'All'"`
	AudioURL    string    `json:"audioUrl" gorm:"size:512"`
	IsPublic    bool      `json:"isPublic" gorm:"index"`
	UseCount    int       `json:"useCount" gorm:"default:0"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TableName overrides the gorm table name.
func (LayerRecord) TableName() string {
	return "layers"
}

// RecordFromLayer maps a layer onto its document, using audioURL as the
// durable asset location.
func RecordFromLayer(l Layer, audioURL string) *LayerRecord {
	return &LayerRecord{
		ID:          l.ID.String(),
		UserID:      l.CreatorID,
		CreatorName: l.CreatorName,
		Name:        l.Name,
		Prompt:      l.Prompt,
		DurationMS:  l.Duration.Milliseconds(),
		BPM:         l.BPM,
		Key:         l.Key,
		Instrument:  string(l.Instrument),
		AudioURL:    audioURL,
		IsPublic:    l.IsPublic,
		UseCount:    l.UseCount,
		CreatedAt:   l.CreatedAt,
	}
}

// ToLayer rebuilds a stopped layer from its document. The waveform is
// regenerated.
func (r *LayerRecord) ToLayer() (Layer, error) {
	instrument, err := ParseInstrument(r.Instrument)
	if err != nil {
		return Layer{}, err
	}
	return NewLayer(LayerSpec{
		ID:             LayerID(r.ID),
		Prompt:         r.Prompt,
		Name:           r.Name,
		Duration:       time.Duration(r.DurationMS) * time.Millisecond,
		Volume:         1,
		Instrument:     instrument,
		BPM:            r.BPM,
		Key:            r.Key,
		AudioReference: r.AudioURL,
		CreatorID:      r.UserID,
		CreatorName:    r.CreatorName,
		CreatedAt:      r.CreatedAt,
		IsPublic:       r.IsPublic,
		UseCount:       r.UseCount,
	})
}
