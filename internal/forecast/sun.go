package forecast

import (
	"sync"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// sunTimes caches sunrise/sunset per civil date so daylight gating during
// strategy evaluation does not recompute the solar position every pass.
type sunTimes struct {
	lat, lon float64

	mu    sync.Mutex
	cache map[string][2]time.Time
}

func newSunTimes(lat, lon float64) *sunTimes {
	return &sunTimes{
		lat:   lat,
		lon:   lon,
		cache: make(map[string][2]time.Time),
	}
}

// isDaylight reports whether t falls between sunrise and sunset at the
// configured coordinates.
func (s *sunTimes) isDaylight(t time.Time) bool {
	u := t.UTC()
	key := u.Format("2006-01-02")

	s.mu.Lock()
	times, ok := s.cache[key]
	if !ok {
		rise, set := sunrise.SunriseSunset(s.lat, s.lon, u.Year(), u.Month(), u.Day())
		times = [2]time.Time{rise, set}
		if len(s.cache) > 8 {
			s.cache = make(map[string][2]time.Time)
		}
		s.cache[key] = times
	}
	s.mu.Unlock()

	return t.After(times[0]) && t.Before(times[1])
}
