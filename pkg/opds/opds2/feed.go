// Package opds2 implements the OPDS 2.x + ODL (JSON, Readium Web
// Publication Manifest-derived) feed variant of the shared import
// pipeline in pkg/opds (spec.md §4.4). odl.go layers ODL-specific
// per-license reconciliation on top of the base extractor in this file.
package opds2

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opdshub/circulation-core/pkg/catalog"
	"github.com/opdshub/circulation-core/pkg/httpclient"
	"github.com/opdshub/circulation-core/pkg/opds"
)

const opds2AcceptHeader = "application/opds+json"

// feedDoc is the JSON shape of an OPDS2 feed document.
type feedDoc struct {
	Publications []json.RawMessage `json:"publications"`
	Links        []feedLink        `json:"links"`
}

type feedLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type"`
}

func (f feedDoc) nextPageHref() string {
	for _, l := range f.Links {
		if l.Rel == "next" {
			return l.Href
		}
	}
	return ""
}

// publicationMetadata is the "metadata" object common to every OPDS2
// publication, with or without ODL licenses.
type publicationMetadata struct {
	Identifier string    `json:"identifier"`
	Title      string    `json:"title"`
	Subtitle   string    `json:"subtitle"`
	Language   jsonOneOrMany `json:"language"`
	Published  string    `json:"published"`
	Author     jsonAuthors `json:"author"`
	Availability struct {
		Available bool `json:"available"`
	} `json:"availability"`
	BelongsTo struct {
		Series []struct {
			Name     string `json:"name"`
			Position int    `json:"position"`
		} `json:"series"`
	} `json:"belongsTo"`
}

// jsonOneOrMany unmarshals either a bare string or an array of strings,
// matching the RWPM convention that several metadata fields accept either.
type jsonOneOrMany []string

func (j *jsonOneOrMany) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*j = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*j = many
	return nil
}

func (j jsonOneOrMany) first() string {
	if len(j) == 0 {
		return ""
	}
	return j[0]
}

type jsonAuthor struct {
	Name string `json:"name"`
}

// jsonAuthors unmarshals either one author object or an array of them.
type jsonAuthors []jsonAuthor

func (j *jsonAuthors) UnmarshalJSON(data []byte) error {
	var single jsonAuthor
	if err := json.Unmarshal(data, &single); err == nil {
		*j = []jsonAuthor{single}
		return nil
	}
	var many []jsonAuthor
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*j = many
	return nil
}

// publicationLink is an acquisition link on a publication.
type publicationLink struct {
	Rel  jsonOneOrMany `json:"rel"`
	Href string        `json:"href"`
	Type string        `json:"type"`
}

// basePublication is the non-ODL OPDS2 publication shape.
type basePublication struct {
	Metadata publicationMetadata `json:"metadata"`
	Links    []publicationLink   `json:"links"`
}

// Fetcher fetches and parses an OPDS2 feed page.
type Fetcher struct {
	Client *httpclient.Client
}

func (ff Fetcher) Fetch(ctx context.Context, taskURL string) (opds.ParsedFeed, error) {
	_, body, err := ff.Client.GetWithOptions(ctx, taskURL, httpclient.RequestOptions{
		Headers: map[string]string{"Accept": opds2AcceptHeader},
	})
	if err != nil {
		return opds.ParsedFeed{}, fmt.Errorf("fetching opds2 feed: %w", err)
	}

	var feed feedDoc
	if err := json.Unmarshal(body, &feed); err != nil {
		return opds.ParsedFeed{}, fmt.Errorf("parsing opds2 feed: %w", err)
	}

	nextHref := feed.nextPageHref()
	var nextAbs string
	if nextHref != "" {
		nextAbs, err = opds.ResolveURL(taskURL, nextHref)
		if err != nil {
			return opds.ParsedFeed{}, fmt.Errorf("resolving next-page url: %w", err)
		}
	}

	pubs := make([]opds.RawPublication, 0, len(feed.Publications))
	for _, raw := range feed.Publications {
		pubs = append(pubs, opds.RawPublication{Raw: raw})
	}

	return opds.ParsedFeed{Publications: pubs, NextPageURL: nextAbs}, nil
}

// Extractor converts a basePublication (no ODL licenses) into
// BibliographicData. OdlExtractor in odl.go embeds this and adds license
// processing for publications that do carry them.
type Extractor struct {
	// SkippedLicenseFormats are content types the Collection's settings
	// say never to surface as a DeliveryMechanism.
	SkippedLicenseFormats map[string]bool
}

func (Extractor) Identifier(pub opds.RawPublication) (catalog.Identifier, error) {
	raw, ok := pub.Raw.(json.RawMessage)
	if !ok {
		return catalog.Identifier{}, fmt.Errorf("opds2: unexpected publication type %T", pub.Raw)
	}
	var meta struct {
		Metadata struct {
			Identifier string `json:"identifier"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return catalog.Identifier{}, fmt.Errorf("decoding opds2 identifier: %w", err)
	}
	if meta.Metadata.Identifier == "" {
		return catalog.Identifier{}, fmt.Errorf("opds2 publication missing metadata.identifier")
	}
	return catalog.Identifier{Type: catalog.IdentifierURN, Value: meta.Metadata.Identifier}, nil
}

func (e Extractor) Extract(ctx context.Context, pub opds.RawPublication) (opds.BibliographicData, error) {
	raw, ok := pub.Raw.(json.RawMessage)
	if !ok {
		return opds.BibliographicData{}, fmt.Errorf("opds2: unexpected publication type %T", pub.Raw)
	}
	var p basePublication
	if err := json.Unmarshal(raw, &p); err != nil {
		return opds.BibliographicData{}, fmt.Errorf("decoding opds2 publication: %w", err)
	}
	return e.extractFrom(p)
}

func (e Extractor) extractFrom(p basePublication) (opds.BibliographicData, error) {
	if p.Metadata.Identifier == "" {
		return opds.BibliographicData{}, fmt.Errorf("opds2 publication missing metadata.identifier")
	}
	id := catalog.Identifier{Type: catalog.IdentifierURN, Value: p.Metadata.Identifier}

	var contributions []catalog.Contribution
	for _, a := range p.Metadata.Author {
		if a.Name == "" {
			continue
		}
		contributions = append(contributions, catalog.Contribution{ContributorName: a.Name, Role: catalog.RoleAuthor})
	}

	var issued time.Time
	if p.Metadata.Published != "" {
		if t, err := time.Parse(time.RFC3339, p.Metadata.Published); err == nil {
			issued = t
		}
	}

	var series string
	var seriesPosition int
	if len(p.Metadata.BelongsTo.Series) > 0 {
		series = p.Metadata.BelongsTo.Series[0].Name
		seriesPosition = p.Metadata.BelongsTo.Series[0].Position
	}

	edition := catalog.Edition{
		PrimaryIdentifier: id,
		Title:             p.Metadata.Title,
		Subtitle:          p.Metadata.Subtitle,
		Language:          p.Metadata.Language.first(),
		Issued:            issued,
		Series:            series,
		SeriesPosition:    seriesPosition,
		Contributions:     contributions,
	}

	formats := e.extractFormats(p.Links)

	return opds.BibliographicData{
		Identifier:  id,
		Edition:     edition,
		Circulation: &opds.CirculationData{Formats: formats},
		LastChecked: time.Now(),
	}, nil
}

const acquisitionRel = "http://opds-spec.org/acquisition"

func (e Extractor) extractFormats(links []publicationLink) []opds.FormatData {
	var formats []opds.FormatData
	for _, l := range links {
		if l.Type == "" || e.SkippedLicenseFormats[l.Type] {
			continue
		}
		isAcquisition := false
		for _, rel := range l.Rel {
			if rel == acquisitionRel {
				isAcquisition = true
				break
			}
		}
		if !isAcquisition {
			continue
		}
		formats = append(formats, opds.FormatData{ContentType: l.Type, LinkHref: l.Href})
	}
	return formats
}
