// Package opds1 implements the OPDS 1.x (Atom-based) feed variant of the
// shared import pipeline in pkg/opds (spec.md §4.4).
package opds1

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/opdshub/circulation-core/pkg/catalog"
	"github.com/opdshub/circulation-core/pkg/httpclient"
	"github.com/opdshub/circulation-core/pkg/opds"
)

// atomAcceptHeader is the Accept header OPDS 1.x feeds expect.
const atomAcceptHeader = "application/atom+xml;profile=opds-catalog;kind=acquisition"

// atomFeed is the minimal Atom shape this importer reads: entries and a
// rel=next link. Feed-level metadata beyond that is out of scope — this
// module only consumes feeds, it doesn't render them.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Links   []atomLink  `xml:"link"`
	Entries []atomEntry `xml:"entry"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
}

type atomEntry struct {
	ID       string      `xml:"id"`
	Title    string      `xml:"title"`
	Summary  string      `xml:"summary"`
	Language string      `xml:"language"`
	Issued   string       `xml:"issued"`
	Series   atomSeries  `xml:"series"`
	Authors  []atomAuthor `xml:"author"`
	Links    []atomLink  `xml:"link"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomSeries struct {
	Name     string `xml:"name,attr"`
	Position int    `xml:"position,attr"`
}

func (f atomFeed) nextPageHref() string {
	for _, l := range f.Links {
		if l.Rel == "next" {
			return l.Href
		}
	}
	return ""
}

// Fetcher fetches and parses an OPDS 1.x Atom feed page.
type Fetcher struct {
	Client *httpclient.Client
}

func (ff Fetcher) Fetch(ctx context.Context, taskURL string) (opds.ParsedFeed, error) {
	_, body, err := ff.Client.GetWithOptions(ctx, taskURL, httpclient.RequestOptions{
		Headers: map[string]string{"Accept": atomAcceptHeader},
	})
	if err != nil {
		return opds.ParsedFeed{}, fmt.Errorf("fetching opds1 feed: %w", err)
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return opds.ParsedFeed{}, fmt.Errorf("parsing opds1 feed: %w", err)
	}

	nextHref := feed.nextPageHref()
	var nextAbs string
	if nextHref != "" {
		nextAbs, err = opds.ResolveURL(taskURL, nextHref)
		if err != nil {
			return opds.ParsedFeed{}, fmt.Errorf("resolving next-page url: %w", err)
		}
	}

	pubs := make([]opds.RawPublication, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		pubs = append(pubs, opds.RawPublication{Raw: e})
	}

	return opds.ParsedFeed{Publications: pubs, NextPageURL: nextAbs}, nil
}

// Extractor converts atomEntry values into BibliographicData.
type Extractor struct{}

func (Extractor) Identifier(pub opds.RawPublication) (catalog.Identifier, error) {
	entry, ok := pub.Raw.(atomEntry)
	if !ok {
		return catalog.Identifier{}, fmt.Errorf("opds1: unexpected publication type %T", pub.Raw)
	}
	if entry.ID == "" {
		return catalog.Identifier{}, fmt.Errorf("opds1 entry missing id")
	}
	return catalog.Identifier{Type: catalog.IdentifierURN, Value: entry.ID}, nil
}

func (e Extractor) Extract(ctx context.Context, pub opds.RawPublication) (opds.BibliographicData, error) {
	entry, ok := pub.Raw.(atomEntry)
	if !ok {
		return opds.BibliographicData{}, fmt.Errorf("opds1: unexpected publication type %T", pub.Raw)
	}
	id, err := e.Identifier(pub)
	if err != nil {
		return opds.BibliographicData{}, err
	}

	contributions := make([]catalog.Contribution, 0, len(entry.Authors))
	for _, a := range entry.Authors {
		if a.Name == "" {
			continue
		}
		contributions = append(contributions, catalog.Contribution{
			ContributorName: a.Name,
			Role:            catalog.RoleAuthor,
		})
	}

	edition := catalog.Edition{
		PrimaryIdentifier: id,
		Title:             entry.Title,
		Language:          entry.Language,
		Series:            entry.Series.Name,
		SeriesPosition:    entry.Series.Position,
		Contributions:     contributions,
	}

	var formats []opds.FormatData
	for _, l := range entry.Links {
		if l.Rel == "" || l.Type == "" {
			continue
		}
		if l.Rel != "http://opds-spec.org/acquisition" && l.Rel != "http://opds-spec.org/acquisition/open-access" {
			continue
		}
		formats = append(formats, opds.FormatData{ContentType: l.Type, LinkHref: l.Href})
	}

	return opds.BibliographicData{
		Identifier: id,
		Edition:    edition,
		Circulation: &opds.CirculationData{
			Formats: formats,
		},
		LastChecked: time.Now(),
	}, nil
}
