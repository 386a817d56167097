package models

import (
	"sort"
	"time"
)

// Kind describes one of the fixed timer types.
type Kind struct {
	Name     string
	Title    string // used in reminder messages
	Label    string
	Emoji    string
	Duration time.Duration
}

const (
	KindRudolph = "rudolph"
	KindBandage = "bandage"
)

var kinds = map[string]Kind{
	KindRudolph: {Name: KindRudolph, Title: "Rudolph nose", Label: "Rudolph nose (3h)", Emoji: "🦌", Duration: 3 * time.Hour},
	KindBandage: {Name: KindBandage, Title: "Bandage", Label: "Bandage (1h)", Emoji: "🩹", Duration: time.Hour},
}

// LookupKind returns the kind registered under name.
func LookupKind(name string) (Kind, bool) {
	k, ok := kinds[name]
	return k, ok
}

// Kinds returns all registered kinds ordered by name.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
