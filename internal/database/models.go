package database

import "time"

// StateEntry is one persisted key/value fact. Keys are stored lower-case;
// Kind records the scalar type so values round-trip as string, int or bool.
type StateEntry struct {
	Key       string    `gorm:"primaryKey;size:255" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	Kind      string    `gorm:"not null;default:string" json:"kind"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Operation records one lifecycle command run against the cluster.
type Operation struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	Command    string    `gorm:"not null;index" json:"command"`
	Nodes      string    `json:"nodes"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	OK         bool      `json:"ok"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
