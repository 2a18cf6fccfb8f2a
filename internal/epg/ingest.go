package epg

import (
	"context"
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/snapetech/macbridge/internal/catalog"
	"github.com/snapetech/macbridge/internal/logging"
)

// batchSize rows per transaction while ingesting. Large feeds carry millions
// of programmes; committing in slabs keeps the WAL bounded.
const batchSize = 5000

// xmltvTime layouts, most common first. The XMLTV DTD allows truncation.
var xmltvLayouts = []string{
	"20060102150405 -0700",
	"20060102150405",
	"200601021504 -0700",
	"200601021504",
	"20060102",
}

// ParseXMLTVTime parses an XMLTV start/stop attribute. Times without a zone
// are taken as UTC.
func ParseXMLTVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range xmltvLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("bad xmltv time %q", s)
}

// FormatXMLTVTime renders a time in the canonical XMLTV layout.
func FormatXMLTVTime(t time.Time) string {
	return t.Format("20060102150405 -0700")
}

type xmlChannel struct {
	ID           string   `xml:"id,attr"`
	DisplayNames []string `xml:"display-name"`
	Icon         struct {
		Src string `xml:"src,attr"`
	} `xml:"icon"`
	LCN string `xml:"lcn"`
}

type xmlProgramme struct {
	Start    string `xml:"start,attr"`
	Stop     string `xml:"stop,attr"`
	Channel  string `xml:"channel,attr"`
	Title    string `xml:"title"`
	SubTitle string `xml:"sub-title"`
	Desc     string `xml:"desc"`
	Category string `xml:"category"`
	Icon     struct {
		Src string `xml:"src,attr"`
	} `xml:"icon"`
	EpisodeNum string `xml:"episode-num"`
	Rating     struct {
		Value string `xml:"value"`
	} `xml:"rating"`
	Date            string    `xml:"date"`
	PreviouslyShown *struct{} `xml:"previously-shown"`
}

// extraJSON packs programme metadata without a column of its own.
func (p *xmlProgramme) extraJSON() string {
	if p.Date == "" && p.PreviouslyShown == nil {
		return ""
	}
	extra := struct {
		Date            string `json:"date,omitempty"`
		PreviouslyShown bool   `json:"previously_shown,omitempty"`
	}{Date: strings.TrimSpace(p.Date), PreviouslyShown: p.PreviouslyShown != nil}
	b, err := json.Marshal(extra)
	if err != nil {
		return ""
	}
	return string(b)
}

// ingest streams an XMLTV document into db, replacing the previous contents.
// It never loads the whole feed into memory. A malformed element is skipped
// with a warning and counted; the feed fails only when nothing usable came
// out of it. Programmes with unparseable times or an empty channel attribute
// are skipped silently.
func (m *Manager) ingest(ctx context.Context, db *sql.DB, r io.Reader) (*RefreshResult, []catalog.EPGChannel, error) {
	res := &RefreshResult{}
	var chans []catalog.EPGChannel

	tx, err := db.Begin()
	if err != nil {
		return nil, nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()
	if _, err := tx.Exec("DELETE FROM programmes"); err != nil {
		return nil, nil, err
	}

	insert := func(tx *sql.Tx) (*sql.Stmt, error) {
		return tx.Prepare("INSERT INTO programmes (channel_id, start, stop, title, sub_title, descr, category, icon, episode, rating, extra_json) VALUES (?,?,?,?,?,?,?,?,?,?,?)")
	}
	stmt, err := insert(tx)
	if err != nil {
		return nil, nil, err
	}

	pending := 0
	dec := xml.NewDecoder(r)
	// Feeds in the wild carry mismatched end tags and stray entities;
	// non-strict mode papers over what it can.
	dec.Strict = false
	// The fetch layer already transcoded to UTF-8; accept any declared label.
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) { return input, nil }

	var parseErr error
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Decoder errors are sticky; keep what parsed so far.
			parseErr = err
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "channel":
			var ch xmlChannel
			if err := dec.DecodeElement(&ch, &se); err != nil {
				logging.Warnf("epg: skipping malformed channel element: %v", err)
				res.Skipped++
				continue
			}
			if ch.ID == "" {
				continue
			}
			ec := catalog.EPGChannel{ChannelID: ch.ID, Icon: ch.Icon.Src, LCN: ch.LCN}
			if len(ch.DisplayNames) > 0 {
				ec.DisplayName = ch.DisplayNames[0]
				ec.AltNames = ch.DisplayNames[1:]
			}
			chans = append(chans, ec)
		case "programme":
			var p xmlProgramme
			if err := dec.DecodeElement(&p, &se); err != nil {
				logging.Warnf("epg: skipping malformed programme element: %v", err)
				res.Skipped++
				continue
			}
			if p.Channel == "" {
				continue
			}
			start, err := ParseXMLTVTime(p.Start)
			if err != nil {
				continue
			}
			stop, err := ParseXMLTVTime(p.Stop)
			if err != nil {
				stop = start.Add(time.Hour)
			}
			if _, err := stmt.Exec(p.Channel, start.Unix(), stop.Unix(),
				strings.TrimSpace(p.Title), strings.TrimSpace(p.SubTitle), strings.TrimSpace(p.Desc),
				strings.TrimSpace(p.Category), p.Icon.Src, strings.TrimSpace(p.EpisodeNum),
				strings.TrimSpace(p.Rating.Value), p.extraJSON()); err != nil {
				return nil, nil, err
			}
			res.Programmes++
			pending++
			if pending >= batchSize {
				stmt.Close()
				if err := tx.Commit(); err != nil {
					return nil, nil, err
				}
				tx, err = db.Begin()
				if err != nil {
					committed = true // nothing left to roll back
					return nil, nil, err
				}
				stmt, err = insert(tx)
				if err != nil {
					return nil, nil, err
				}
				pending = 0
			}
		}
	}

	if parseErr != nil {
		if len(chans) == 0 || res.Programmes == 0 {
			return nil, nil, fmt.Errorf("xmltv parse: %w", parseErr)
		}
		logging.Warnf("epg: xmltv parse stopped early, keeping %d programmes: %v", res.Programmes, parseErr)
		res.Skipped++
	}

	stmt.Close()
	pr, err := tx.Exec("DELETE FROM programmes WHERE stop < ?", time.Now().Add(-m.retention()).Unix())
	if err != nil {
		return nil, nil, err
	}
	res.Pruned, _ = pr.RowsAffected()
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	committed = true
	res.Channels = len(chans)
	return res, chans, nil
}
