package playlist

import (
	"bufio"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/skerit/stbroker/internal/catalog"
)

// WriteM3U writes an extended M3U playlist for channels. Every entry points
// at base + "/play/<id>" so the stream URL is resolved when a player tunes in;
// portal links expire, so they are never written out directly.
func WriteM3U(w io.Writer, base string, channels []catalog.Channel) error {
	base = strings.TrimSuffix(base, "/")
	bw := bufio.NewWriter(w)
	bw.WriteString("#EXTM3U\n")
	for i, c := range channels {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			continue
		}
		number := ""
		if c.Number > 0 {
			number = strconv.Itoa(c.Number)
		}
		tvgID := strings.TrimSpace(c.XMLTVID)
		if tvgID == "" {
			tvgID = number
		}
		name := c.Name
		if name == "" {
			name = "Channel " + number
			if number == "" {
				name = "Channel " + strconv.Itoa(i+1)
			}
		}
		name = strings.ReplaceAll(name, ",", " ")

		bw.WriteString(`#EXTINF:-1 tvg-id="` + escapeM3UAttr(tvgID) + `"`)
		if number != "" {
			bw.WriteString(` tvg-chno="` + number + `"`)
		}
		bw.WriteString(` tvg-name="` + escapeM3UAttr(name) + `"`)
		if c.Logo != "" {
			bw.WriteString(` tvg-logo="` + c.Logo + `"`)
		}
		if c.GenreID > 0 {
			bw.WriteString(` group-title="` + strconv.Itoa(c.GenreID) + `"`)
		}
		bw.WriteString("," + name + "\n")
		bw.WriteString(base + "/play/" + url.PathEscape(id) + "\n")
	}
	return bw.Flush()
}

func escapeM3UAttr(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", " ")
}
