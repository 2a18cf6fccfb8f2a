package normalize

import (
	"reflect"
	"testing"
)

func testRuleSet() *RuleSet {
	rules := append(
		ParseLabeled(GroupResolution, "UHD=\\b(UHD|ULTRA|4K|2160P)\\b\nFHD=\\b(FHD|1080P)\\b\nHD=\\b(HD|720P)\\b\nSD=\\b(SD|576P|480P)\\b"),
		ParseLabeled(GroupVideoCodec, "HEVC=\\b(HEVC|H\\.?265|H265)\\b\nH264=\\b(H\\.?264|H264|AVC)\\b")...,
	)
	rules = append(rules, ParseLabeled(GroupAudio, "AAC=\\bAAC\\b\n5.1=\\b5\\.1\\b")...)
	rules = append(rules, ParseList(GroupEvent, "\\bPPV\\b\n\\bLIVE EVENT\\b")...)
	rules = append(rules, ParseList(GroupMisc, "\\bBAR\\b")...)
	return NewRuleSet(rules, nil, ParseCountryCodes("UK,US,DE,FR"))
}

func TestApplyExtractsTags(t *testing.T) {
	rs := testRuleSet()
	got := rs.Apply("UK: BBC One FHD HEVC 5.1")
	if got.AutoName != "BBC One" {
		t.Errorf("AutoName = %q", got.AutoName)
	}
	if got.Country != "UK" {
		t.Errorf("Country = %q", got.Country)
	}
	if got.Resolution != "FHD" {
		t.Errorf("Resolution = %q", got.Resolution)
	}
	if got.VideoCodec != "HEVC" {
		t.Errorf("VideoCodec = %q", got.VideoCodec)
	}
	if !reflect.DeepEqual(got.Audio, []string{"5.1"}) {
		t.Errorf("Audio = %v", got.Audio)
	}
	if got.IsHeader || got.IsEvent || got.IsRaw {
		t.Errorf("flags = %+v", got)
	}
}

func TestApplyDeterministic(t *testing.T) {
	rs := testRuleSet()
	a := rs.Apply("US | ESPN HD PPV RAW")
	b := rs.Apply("US | ESPN HD PPV RAW")
	if !reflect.DeepEqual(a, b) {
		t.Errorf("same input, different output:\n%+v\n%+v", a, b)
	}
	if !a.IsEvent || !a.IsRaw {
		t.Errorf("flags = %+v", a)
	}
	if a.AutoName != "ESPN" {
		t.Errorf("AutoName = %q", a.AutoName)
	}
}

func TestApplyHeaderFraming(t *testing.T) {
	rs := testRuleSet()
	tests := []struct {
		in   string
		name string
	}{
		{"★★ SPORTS ★★", "SPORTS"},
		{"###### MOVIES ######", "MOVIES"},
	}
	for _, tc := range tests {
		got := rs.Apply(tc.in)
		if !got.IsHeader {
			t.Errorf("Apply(%q).IsHeader = false", tc.in)
			continue
		}
		if got.AutoName != tc.name {
			t.Errorf("Apply(%q).AutoName = %q, want %q", tc.in, got.AutoName, tc.name)
		}
		if got.Resolution != "" || got.IsEvent {
			t.Errorf("header row got tags: %+v", got)
		}
	}
}

func TestApplyWhitespaceCollapse(t *testing.T) {
	rs := testRuleSet()
	got := rs.Apply("  Sky   Sports\tMain  ")
	if got.AutoName != "Sky Sports Main" {
		t.Errorf("AutoName = %q", got.AutoName)
	}
}

func TestApplyEmptyAndNoRules(t *testing.T) {
	rs := NewRuleSet(nil, nil, nil)
	if got := rs.Apply(""); got.AutoName != "" || got.IsHeader {
		t.Errorf("empty input: %+v", got)
	}
	if got := rs.Apply("Plain Channel"); got.AutoName != "Plain Channel" {
		t.Errorf("no rules should pass name through, got %q", got.AutoName)
	}
}

func TestNewRuleSetSkipsInvalidPatterns(t *testing.T) {
	rs := NewRuleSet([]Rule{
		{Group: GroupMisc, Label: "BAD", Pattern: `(?<!x)\bSAT\b`}, // lookbehind: not RE2
		{Group: GroupMisc, Label: "OK", Pattern: `\bOK\b`},
	}, nil, nil)
	if len(rs.Invalid) != 1 {
		t.Fatalf("Invalid = %v", rs.Invalid)
	}
	got := rs.Apply("CHANNEL OK")
	if len(got.MiscTags) != 1 || got.MiscTags[0] != "OK" {
		t.Errorf("MiscTags = %v", got.MiscTags)
	}
}

func TestParseLabeled(t *testing.T) {
	rules := ParseLabeled("g", "A=\\bA\\b\n\nmalformed line\nB=\\bB\\b")
	if len(rules) != 2 || rules[0].Label != "A" || rules[1].Label != "B" {
		t.Errorf("rules = %+v", rules)
	}
}

func TestLabelFromPattern(t *testing.T) {
	if got := labelFromPattern(`\bLIVE EVENT\b`); got != "LIVE EVENT" {
		t.Errorf("label = %q", got)
	}
}
