// Package tags extracts the decorations providers pack into channel names.
// A raw name like "|FR| TF1 [HD]" carries a country prefix and a quality
// suffix around the display name; Parse splits them apart so the catalog can
// filter and sort on them while presenting a clean name.
package tags

import (
	"strings"

	"github.com/grafana/regexp"
)

var (
	prefixRe  = regexp.MustCompile(`^\s*[|\[(]([A-Za-z0-9 ._-]{1,12})[|\])]\s*[:\-]?\s*`)
	suffixRe  = regexp.MustCompile(`\s*[\[(]([A-Za-z0-9 ._+-]{1,16})[\])]\s*$`)
	qualityRe = regexp.MustCompile(`(?i)^(4k|uhd|fhd|hd|sd|hevc|h265|h264|raw|50fps|60fps)$`)
	spacesRe  = regexp.MustCompile(`\s{2,}`)
)

// Parsed is the decomposition of one raw channel name.
type Parsed struct {
	// Name is the display name with all recognized tags stripped.
	Name string

	// Group is the leading tag, typically a country or provider group code,
	// upper-cased. Empty when the raw name has no prefix.
	Group string

	// Quality is the recognized quality marker (HD, FHD, 4K, ...),
	// upper-cased. Empty when none is present.
	Quality string

	// Extra holds trailing bracketed tags that are not quality markers,
	// in the order they appeared.
	Extra []string
}

// Parse splits a raw provider channel name into its display name and tags.
// Unrecognized shapes pass through untouched in Name.
func Parse(raw string) Parsed {
	p := Parsed{Name: strings.TrimSpace(raw)}

	if m := prefixRe.FindStringSubmatch(p.Name); m != nil {
		p.Group = strings.ToUpper(strings.TrimSpace(m[1]))
		p.Name = p.Name[len(m[0]):]
	}

	// Peel trailing bracketed tags one at a time so "TF1 [FR] [HD]" yields
	// both. Quality wins the Quality slot once; later markers stack in Extra.
	for {
		m := suffixRe.FindStringSubmatch(p.Name)
		if m == nil {
			break
		}
		tag := strings.ToUpper(strings.TrimSpace(m[1]))
		if p.Quality == "" && qualityRe.MatchString(tag) {
			p.Quality = tag
		} else {
			p.Extra = append([]string{tag}, p.Extra...)
		}
		p.Name = strings.TrimSpace(p.Name[:len(p.Name)-len(m[0])])
	}

	p.Name = spacesRe.ReplaceAllString(strings.TrimSpace(p.Name), " ")
	if p.Name == "" {
		p.Name = strings.TrimSpace(raw)
	}
	return p
}
