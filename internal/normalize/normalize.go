// Package normalize turns raw portal channel names into a clean display name
// plus structured tags. It is pure: the rule set comes in as data (settings
// supply it), nothing is built in, and the same input always produces the
// same output.
package normalize

import (
	"regexp"
	"strings"
)

// Tag groups recognized by the catalog.
const (
	GroupResolution = "resolution"
	GroupVideoCodec = "video_codec"
	GroupAudio      = "audio"
	GroupEvent      = "event"
	GroupMisc       = "misc"
)

// Rule is one labeled extraction pattern within a group.
type Rule struct {
	Group   string
	Label   string
	Pattern string
}

// Result is the outcome of applying a rule set to one raw name.
type Result struct {
	AutoName   string
	Resolution string
	VideoCodec string
	Country    string
	Audio      []string
	EventTags  []string
	MiscTags   []string
	IsHeader   bool
	IsEvent    bool
	IsRaw      bool
}

type compiledRule struct {
	group string
	label string
	re    *regexp.Regexp
}

// RuleSet is a compiled, reusable set of extraction rules.
type RuleSet struct {
	rules     []compiledRule
	headers   []*regexp.Regexp
	countries map[string]struct{}

	// Invalid lists patterns that failed to compile and were skipped.
	Invalid []string
}

// ParseLabeled parses "LABEL=pattern" lines into rules for group.
func ParseLabeled(group, text string) []Rule {
	var out []Rule
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		label, pattern, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		label = strings.TrimSpace(label)
		pattern = strings.TrimSpace(pattern)
		if label == "" || pattern == "" {
			continue
		}
		out = append(out, Rule{Group: group, Label: label, Pattern: pattern})
	}
	return out
}

// ParseList parses bare pattern lines into rules for group; the label is the
// pattern with regex syntax stripped.
func ParseList(group, text string) []Rule {
	var out []Rule
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, Rule{Group: group, Label: labelFromPattern(line), Pattern: line})
	}
	return out
}

var labelStrip = regexp.MustCompile(`\\b|[\\^$()?:+*]`)

func labelFromPattern(p string) string {
	label := labelStrip.ReplaceAllString(p, "")
	return strings.Join(strings.Fields(label), " ")
}

// NewRuleSet compiles rules, header patterns, and the country code list.
// Patterns that do not compile under RE2 are skipped and recorded in Invalid.
func NewRuleSet(rules []Rule, headerPatterns []string, countryCodes []string) *RuleSet {
	rs := &RuleSet{countries: map[string]struct{}{}}
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			rs.Invalid = append(rs.Invalid, r.Pattern)
			continue
		}
		rs.rules = append(rs.rules, compiledRule{group: r.Group, label: r.Label, re: re})
	}
	for _, p := range headerPatterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			rs.Invalid = append(rs.Invalid, p)
			continue
		}
		rs.headers = append(rs.headers, re)
	}
	for _, cc := range countryCodes {
		cc = strings.ToUpper(strings.TrimSpace(cc))
		if cc != "" {
			rs.countries[cc] = struct{}{}
		}
	}
	return rs
}

// ParseCountryCodes splits a comma-separated country code list.
func ParseCountryCodes(text string) []string {
	var out []string
	for _, cc := range strings.Split(text, ",") {
		cc = strings.TrimSpace(cc)
		if cc != "" {
			out = append(out, cc)
		}
	}
	return out
}

var (
	leadDecor  = regexp.MustCompile(`^[\s#*✦┃★=~_|\-]{6,}`)
	trailDecor = regexp.MustCompile(`[\s#*✦┃★=~_|\-]{6,}$`)
)

// symmetricFrame reports whether s is wrapped in identical decorative runs
// of at least two characters (e.g. "★★ SPORTS ★★") and returns the inner
// text. RE2 has no backreferences, so this cannot be a rule pattern.
func symmetricFrame(s string) (string, bool) {
	isDecor := func(r rune) bool {
		switch r {
		case '#', '*', '✦', '┃', '★', '=', '~':
			return true
		}
		return false
	}
	runes := []rune(s)
	i := 0
	for i < len(runes) && isDecor(runes[i]) {
		i++
	}
	j := len(runes)
	for j > i && isDecor(runes[j-1]) {
		j--
	}
	if i < 2 || len(runes)-j < 2 {
		return "", false
	}
	if string(runes[:i]) != string(runes[j:]) {
		return "", false
	}
	inner := collapse(string(runes[i:j]))
	if inner == "" {
		return "", false
	}
	return inner, true
}

var rawToken = regexp.MustCompile(`(?i)\bRAW\b`)

// Apply runs the rule set over one raw name.
func (rs *RuleSet) Apply(raw string) Result {
	var res Result
	working := collapse(raw)
	if working == "" {
		return res
	}

	// Header detection runs against the undamaged name; a header row keeps
	// its framing stripped but gets no tag extraction.
	for _, re := range rs.headers {
		if m := re.FindStringSubmatch(working); m != nil {
			res.IsHeader = true
			if len(m) >= 2 {
				res.AutoName = collapse(m[len(m)-1])
			} else {
				res.AutoName = working
			}
			return res
		}
	}
	if inner, ok := symmetricFrame(working); ok {
		res.IsHeader = true
		res.AutoName = inner
		return res
	}
	if leadDecor.MatchString(working) && trailDecor.MatchString(working) {
		res.IsHeader = true
		stripped := leadDecor.ReplaceAllString(working, "")
		stripped = trailDecor.ReplaceAllString(stripped, "")
		res.AutoName = collapse(stripped)
		return res
	}

	for _, r := range rs.rules {
		if !r.re.MatchString(working) {
			continue
		}
		switch r.group {
		case GroupResolution:
			if res.Resolution == "" {
				res.Resolution = r.label
			}
		case GroupVideoCodec:
			if res.VideoCodec == "" {
				res.VideoCodec = r.label
			}
		case GroupAudio:
			res.Audio = appendUnique(res.Audio, r.label)
		case GroupEvent:
			res.EventTags = appendUnique(res.EventTags, r.label)
			res.IsEvent = true
		case GroupMisc:
			res.MiscTags = appendUnique(res.MiscTags, r.label)
		}
		working = collapse(r.re.ReplaceAllString(working, " "))
	}

	// Country: first token (or token trimmed of separators) that is a known
	// country code. Removed from the working name.
	if len(rs.countries) > 0 {
		fields := strings.Fields(working)
		for i, f := range fields {
			token := strings.ToUpper(strings.Trim(f, ":|-"))
			if _, ok := rs.countries[token]; ok {
				res.Country = token
				fields = append(fields[:i], fields[i+1:]...)
				working = strings.Join(fields, " ")
				break
			}
		}
	}

	if rawToken.MatchString(working) {
		res.IsRaw = true
		working = collapse(rawToken.ReplaceAllString(working, " "))
	}

	working = strings.Trim(working, " :|-")
	res.AutoName = collapse(working)
	return res
}

func collapse(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
