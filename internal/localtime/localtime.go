// Package localtime renders server timestamps in a user's display zone.
package localtime

import (
	"strings"
	"time"
	_ "time/tzdata" // zones must resolve on hosts without a zoneinfo database

	"github.com/stoik/cooldown/internal/models"
)

// Layout is the short month/day hour:minute form shown to users.
const Layout = "01/02 15:04"

// LoadZone resolves an IANA zone name, falling back to the default zone.
func LoadZone(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if loc, err := time.LoadLocation(models.DefaultTimezone); err == nil {
		return loc
	}
	return time.UTC
}

// Valid reports whether name is a loadable, region-qualified IANA zone.
func Valid(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 64 || !strings.Contains(name, "/") {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}

// Format renders t in zone name; a zero time renders as an empty string.
func Format(t time.Time, name string) string {
	if t.IsZero() {
		return ""
	}
	return t.In(LoadZone(name)).Format(Layout)
}
