package capability

import (
	"encoding/json"
	"sort"
	"time"
)

// Set is a set of primitive names as reported by ffmpeg.
type Set map[string]struct{}

func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *Set) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	*s = NewSet(names...)
	return nil
}

// Snapshot is one probe result. It is shared between goroutines and must not
// be mutated after it is published.
type Snapshot struct {
	Filters     Set       `json:"filters"`
	Encoders    Set       `json:"encoders"`
	Decoders    Set       `json:"decoders"`
	HWAccels    Set       `json:"hwaccels"`
	Version     string    `json:"version"`
	RefreshedAt time.Time `json:"refreshed_at"`
	// Err is set on the empty fallback returned when probing failed and no
	// earlier snapshot exists.
	Err string `json:"error,omitempty"`
}

func emptySnapshot(at time.Time, err error) *Snapshot {
	s := &Snapshot{
		Filters:     Set{},
		Encoders:    Set{},
		Decoders:    Set{},
		HWAccels:    Set{},
		Version:     "unknown",
		RefreshedAt: at,
	}
	if err != nil {
		s.Err = err.Error()
	}
	return s
}

// Failed reports whether s is the empty fallback.
func (s *Snapshot) Failed() bool {
	return s == nil || s.Err != ""
}

// MissingFilters returns the names in want that s does not provide, in the
// order given.
func (s *Snapshot) MissingFilters(want []string) []string {
	var missing []string
	for _, name := range want {
		if s == nil || !s.Filters.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Availability answers whether a group of filters can be used together.
type Availability struct {
	Available bool     `json:"available"`
	Missing   []string `json:"missing,omitempty"`
}
