// Package match resolves cleaned channel names against a station directory
// so channels pick up a stable EPG id, call sign, and artwork.
package match

import (
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Station is one directory entry.
type Station struct {
	StationID string `json:"station_id"`
	Name      string `json:"name"`
	CallSign  string `json:"call_sign"`
	Logo      string `json:"logo"`
	Source    string `json:"source"`
	Country   string `json:"country"`
}

// Result is a directory hit with its confidence score.
type Result struct {
	Station
	Score float64
}

// DefaultThreshold is the floor below which a candidate is not a match.
const DefaultThreshold = 0.65

// Matcher is a compiled, read-only station index. Build once, share freely.
type Matcher struct {
	threshold float64
	stations  []Station
	exact     map[string][]int // normalized full name -> station indexes
	tokens    map[string][]int // token -> station indexes
	names     []string         // normalized name per station
}

// noise tokens carry no identity and are dropped before comparison.
var noiseTokens = map[string]struct{}{
	"hd": {}, "fhd": {}, "uhd": {}, "sd": {}, "4k": {}, "8k": {},
	"tv": {}, "channel": {}, "the": {}, "hevc": {}, "h264": {}, "h265": {},
	"1080p": {}, "720p": {}, "2160p": {}, "plus": {},
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9 ]+`)

// NormalizeName folds a channel or station name to its comparable form.
func NormalizeName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "&", " and ")
	s = strings.ReplaceAll(s, "+", " plus ")
	s = nonAlnum.ReplaceAllString(s, " ")
	return strings.Join(tokensOf(s), " ")
}

func tokensOf(s string) []string {
	var out []string
	for _, f := range strings.Fields(s) {
		if _, noise := noiseTokens[f]; noise {
			continue
		}
		out = append(out, f)
	}
	return out
}

// New builds a matcher over stations. threshold <= 0 uses DefaultThreshold.
func New(stations []Station, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	m := &Matcher{
		threshold: threshold,
		stations:  stations,
		exact:     map[string][]int{},
		tokens:    map[string][]int{},
		names:     make([]string, len(stations)),
	}
	for i, st := range stations {
		norm := NormalizeName(st.Name)
		m.names[i] = norm
		if norm != "" {
			m.exact[norm] = append(m.exact[norm], i)
		}
		for _, tok := range strings.Fields(norm) {
			m.tokens[tok] = append(m.tokens[tok], i)
		}
		if cs := NormalizeName(st.CallSign); cs != "" && cs != norm {
			m.exact[cs] = append(m.exact[cs], i)
		}
	}
	return m
}

// LoadFile reads a station directory from a JSON array on disk.
func LoadFile(path string) ([]Station, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stations []Station
	if err := json.Unmarshal(data, &stations); err != nil {
		return nil, err
	}
	return stations, nil
}

// Match finds the best station for name. country narrows ties when set; it
// never widens the candidate pool. Deterministic: equal scores break on
// country preference, then station id.
func (m *Matcher) Match(name, country string) (Result, bool) {
	norm := NormalizeName(name)
	if norm == "" {
		return Result{}, false
	}
	country = strings.ToUpper(strings.TrimSpace(country))

	if idxs, ok := m.exact[norm]; ok {
		best := m.pickByCountry(idxs, country)
		return Result{Station: m.stations[best], Score: 1.0}, true
	}

	queryTokens := strings.Fields(norm)
	seen := map[int]struct{}{}
	type scored struct {
		idx   int
		score float64
	}
	var candidates []scored
	for _, tok := range queryTokens {
		for _, idx := range m.tokens[tok] {
			if _, done := seen[idx]; done {
				continue
			}
			seen[idx] = struct{}{}
			candidates = append(candidates, scored{idx: idx, score: dice(queryTokens, strings.Fields(m.names[idx]))})
		}
	}
	if len(candidates) == 0 {
		return Result{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		ac := country != "" && strings.EqualFold(m.stations[a.idx].Country, country)
		bc := country != "" && strings.EqualFold(m.stations[b.idx].Country, country)
		if ac != bc {
			return ac
		}
		return m.stations[a.idx].StationID < m.stations[b.idx].StationID
	})
	best := candidates[0]
	if best.score < m.threshold {
		return Result{}, false
	}
	return Result{Station: m.stations[best.idx], Score: best.score}, true
}

func (m *Matcher) pickByCountry(idxs []int, country string) int {
	if country != "" {
		for _, idx := range idxs {
			if strings.EqualFold(m.stations[idx].Country, country) {
				return idx
			}
		}
	}
	best := idxs[0]
	for _, idx := range idxs[1:] {
		if m.stations[idx].StationID < m.stations[best].StationID {
			best = idx
		}
	}
	return best
}

// dice is the Sørensen–Dice coefficient over token sets.
func dice(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := map[string]struct{}{}
	for _, t := range a {
		set[t] = struct{}{}
	}
	overlap := 0
	seen := map[string]struct{}{}
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			overlap++
		}
	}
	return 2 * float64(overlap) / float64(len(set)+len(seen))
}
