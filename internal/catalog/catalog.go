package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Channel is a live TV channel as listed by get_all_channels.
// ID is the portal's own identifier; Cmd is the play command passed back to
// create_link (usually "ffmpeg http://..." or "auto http://...").
type Channel struct {
	ID           string          `json:"id"`
	Number       int             `json:"number"`
	Name         string          `json:"name"`
	XMLTVID      string          `json:"xmltv_id,omitempty"`
	GenreID      int             `json:"tv_genre_id,omitempty"`
	HD           bool            `json:"hd"`
	ArchiveHours int             `json:"archive_hours,omitempty"`
	Modified     time.Time       `json:"modified,omitzero"`
	Cmd          string          `json:"cmd"`
	Logo         string          `json:"logo,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"` // the portal record as received
}

// NewChannel builds a Channel from one record of the portal's channel list.
func NewChannel(rec gjson.Result) Channel {
	ch := Channel{
		ID:           rec.Get("id").String(),
		Number:       int(rec.Get("number").Int()),
		Name:         rec.Get("name").String(),
		XMLTVID:      rec.Get("xmltv_id").String(),
		GenreID:      int(rec.Get("tv_genre_id").Int()),
		HD:           isHD(rec.Get("hd")),
		ArchiveHours: int(rec.Get("tv_archive_duration").Int()),
		Cmd:          rec.Get("cmd").String(),
		Logo:         rec.Get("logo").String(),
		Raw:          json.RawMessage(rec.Raw),
	}
	if m := rec.Get("modified"); m.Exists() {
		ch.Modified = parseModified(m)
	}
	return ch
}

// Get returns a field of the raw portal record.
func (ch Channel) Get(name string) gjson.Result {
	return gjson.GetBytes(ch.Raw, name)
}

// isHD accepts 1, "1", true and "true".
func isHD(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return v.Num == 1
	case gjson.String:
		return v.Str == "1" || v.Str == "true"
	}
	return false
}

var modifiedLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

func parseModified(v gjson.Result) time.Time {
	if v.Type == gjson.Number {
		return time.Unix(v.Int(), 0).UTC()
	}
	s := strings.TrimSpace(v.String())
	if s == "" {
		return time.Time{}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC()
	}
	for _, layout := range modifiedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

var commandPrefix = regexp.MustCompile(`(?i)^\w+\s+http`)

// ExtractURL pulls the stream URL out of a play command: the text after
// "ffmpeg ", or else the command with a leading word before "http" removed.
// Returns "" when the result is not a URL.
func ExtractURL(cmd string) string {
	if i := strings.Index(cmd, "ffmpeg "); i >= 0 {
		if u := strings.TrimSpace(cmd[i+len("ffmpeg "):]); u != "" {
			return u
		}
	}
	u := strings.TrimSpace(commandPrefix.ReplaceAllString(cmd, "http"))
	if !strings.Contains(u, "://") {
		return ""
	}
	return u
}

// Find returns the channel with the given id.
func Find(channels []Channel, id string) (Channel, bool) {
	for _, ch := range channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// Save writes channels to path as JSON using a temp-file-then-rename strategy
// so readers never see a partially-written file.
func Save(path string, channels []Channel) error {
	data, err := json.MarshalIndent(struct {
		Channels []Channel `json:"channels"`
	}{channels}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".channels-*.json.tmp")
	if err != nil {
		return fmt.Errorf("catalog save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("catalog save: write: %w", writeErr)
		}
		return fmt.Errorf("catalog save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: rename: %w", err)
	}
	return nil
}

// Load reads channels written by Save.
func Load(path string) ([]Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out struct {
		Channels []Channel `json:"channels"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}
