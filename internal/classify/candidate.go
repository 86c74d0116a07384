// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package classify

// Candidate is one discovered downloadable item from a site adapter,
// enriched with classification results. It is the unit the ranking engine
// and the index cache operate on.
type Candidate struct {
	Title      string       `json:"title"`
	Link       string       `json:"link"`
	Source     string       `json:"source"`
	Resolution string       `json:"resolution"`
	Size       string       `json:"size,omitempty"`
	Popularity int          `json:"popularity,omitempty"`
	Episodes   *EpisodeInfo `json:"episodes,omitempty"`

	// RefererURL and SubjectURL carry the originating page for sources
	// that reject downloads without an anti-leech referer.
	RefererURL string `json:"refererUrl,omitempty"`
	SubjectURL string `json:"subjectUrl,omitempty"`
}

// Classified returns a copy of c with resolution, size and episode info
// filled in from its title.
func (c Candidate) Classified() Candidate {
	cl := Classify(c.Title)
	c.Resolution = cl.Resolution
	c.Size = cl.Size
	c.Episodes = cl.Episodes
	return c
}
