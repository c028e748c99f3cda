package catalog

import "time"

// Audience is the closed-ish classification of a Work's intended readership.
type Audience string

const (
	AudienceAdult         Audience = "Adult"
	AudienceAdultsOnly    Audience = "Adults Only"
	AudienceYoungAdult    Audience = "Young Adult"
	AudienceChildren      Audience = "Children"
	AudienceAllAges       Audience = "All Ages"
	AudienceResearch      Audience = "Research"
)

// Genre is an open-vocabulary subject classification (the original
// system's classifier taxonomy isn't part of this module's scope; genres
// here are named values rather than an enumerated closed set), carrying
// whether the genre implies fiction.
type Genre struct {
	Name    string
	Fiction bool
}

// TargetAge is an optional inclusive age range, e.g. for children's books.
type TargetAge struct {
	Lower, Upper int
	Set          bool
}

// Work aggregates one or more Editions of the same intellectual content
// (spec.md §3, invariant 2: always has a presentation Edition).
//
// ID, ActiveLicensePool, SummaryText, and LastUpdateTime are a
// [SUPPLEMENT] over spec.md's bare prose (per SPEC_FULL.md §3): the MARC
// export engine (pkg/marcexport, grounded on
// original_source/marc/{exporter,annotator}.py) needs a cursor id for
// batch iteration, the pool that carries the record's delivery
// mechanisms, the 520 summary field text, and the timestamp that decides
// whether a work belongs in a library's delta file.
type Work struct {
	ID                  string
	PresentationEdition Edition
	ActiveLicensePool   LicensePool
	Audience            Audience
	Fiction             bool
	TargetAge           TargetAge
	Genres              []Genre
	SummaryText         string
	LastUpdateTime      time.Time
}
