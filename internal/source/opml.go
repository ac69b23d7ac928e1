package source

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

type opmlDoc struct {
	Body struct {
		Outlines []opmlOutline `xml:"outline"`
	} `xml:"body"`
}

type opmlOutline struct {
	Text        string        `xml:"text,attr"`
	Title       string        `xml:"title,attr"`
	Type        string        `xml:"type,attr"`
	XMLURL      string        `xml:"xmlUrl,attr"`
	HTMLURL     string        `xml:"htmlUrl,attr"`
	Description string        `xml:"description,attr"`
	Language    string        `xml:"language,attr"`
	Category    string        `xml:"category,attr"`
	Outlines    []opmlOutline `xml:"outline"`
}

// readOPML flattens an OPML subscription list. Folder outlines contribute
// their title as a tag to every feed beneath them.
func readOPML(r io.Reader) ([]rawCandidate, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "opml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var doc opmlDoc
	if err := decoder.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "opml: decode")
	}

	var out []rawCandidate
	var walk func(outlines []opmlOutline, folders []string)
	walk = func(outlines []opmlOutline, folders []string) {
		for _, o := range outlines {
			title := firstNonEmpty(o.Title, o.Text)
			if o.XMLURL == "" {
				if len(o.Outlines) > 0 {
					next := append(append([]string(nil), folders...), title)
					walk(o.Outlines, next)
				}
				continue
			}
			tags := append([]string(nil), folders...)
			for _, c := range strings.Split(o.Category, ",") {
				c = strings.Trim(strings.TrimSpace(c), "/")
				if c != "" {
					tags = append(tags, c)
				}
			}
			rc := rawCandidate{
				FeedURL:  o.XMLURL,
				Title:    title,
				Summary:  o.Description,
				Language: o.Language,
				Tags:     tags,
			}
			if o.HTMLURL != "" {
				rc.Details = map[string]string{"site_url": o.HTMLURL}
			}
			out = append(out, rc)
		}
	}
	walk(doc.Body.Outlines, nil)
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
