// Package marcexport implements the MARC Export Engine (spec.md §4.7):
// per-(library, collection) full and delta MARC record streaming, S3
// multipart upload under a lockstore lease, and manifest persistence.
package marcexport

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/opdshub/circulation-core/pkg/catalog"
)

const (
	fieldTerminator  byte = 0x1E
	recordTerminator byte = 0x1D
	subfieldDelim    byte = 0x1F
)

// RecordStatus is the leader's position-5 record-status byte (testable
// property 4): "n" for a freshly built full record, "c" for a record
// revised into a delta.
type RecordStatus byte

const (
	StatusNew       RecordStatus = 'n'
	StatusCorrected RecordStatus = 'c'
)

// Subfield is one MARC data-field subfield (code + value).
type Subfield struct {
	Code  byte
	Value string
}

// Field is one MARC field. Control fields (tag < "010") carry Value
// directly with no indicators or subfields; data fields carry Indicators
// and Subfields. Grounded on annotator.py's Field/Subfield/Indicators use.
type Field struct {
	Tag        string
	Indicators [2]byte
	Value      string // control fields only
	Subfields  []Subfield
}

func (f Field) isControl() bool {
	return f.Tag < "010"
}

func (f Field) rawData() []byte {
	if f.isControl() {
		return []byte(f.Value)
	}
	var buf bytes.Buffer
	buf.WriteByte(f.Indicators[0])
	buf.WriteByte(f.Indicators[1])
	for _, sf := range f.Subfields {
		buf.WriteByte(subfieldDelim)
		buf.WriteByte(sf.Code)
		buf.WriteString(sf.Value)
	}
	return buf.Bytes()
}

// Record is a MARC bibliographic record under construction. Field order
// is preserved as added, matching annotator.py's marc_record assembly
// order.
type Record struct {
	Status RecordStatus
	Fields []Field
}

func (r *Record) add(f Field) {
	r.Fields = append(r.Fields, f)
}

// RemoveFields drops every field with a tag in tags, in place, for the
// per-library layering step (spec.md §4.7: "remove 520 if summary
// disabled, remove 650 if genres disabled").
func (r *Record) RemoveFields(tags ...string) {
	drop := make(map[string]bool, len(tags))
	for _, t := range tags {
		drop[t] = true
	}
	kept := r.Fields[:0]
	for _, f := range r.Fields {
		if !drop[f.Tag] {
			kept = append(kept, f)
		}
	}
	r.Fields = kept
}

// Clone makes an independent copy so per-library layering never mutates
// the shared base record (annotator.py's _copy_record).
func (r Record) Clone() Record {
	fields := make([]Field, len(r.Fields))
	copy(fields, r.Fields)
	return Record{Status: r.Status, Fields: fields}
}

// Marshal serializes r to ISO-2709 bytes: leader, directory, field data,
// record terminator. The leader's record-length and base-address-of-data
// fields are computed from the assembled directory and data, matching
// pymarc's as_marc() behavior of filling those in at serialization time
// rather than when fields are added.
func (r Record) Marshal() ([]byte, error) {
	var dir, data bytes.Buffer
	offset := 0
	for _, f := range r.Fields {
		fd := append(f.rawData(), fieldTerminator)
		if len(f.Tag) != 3 {
			return nil, fmt.Errorf("marc field tag %q must be exactly 3 characters", f.Tag)
		}
		fmt.Fprintf(&dir, "%s%04d%05d", f.Tag, len(fd), offset)
		data.Write(fd)
		offset += len(fd)
	}
	dir.WriteByte(fieldTerminator)

	baseAddress := 24 + dir.Len()
	recordLength := baseAddress + data.Len() + 1 // +1: record terminator

	status := r.Status
	if status == 0 {
		status = StatusNew
	}
	leader := fmt.Sprintf("%05d%cam  22%05d   4500", recordLength, byte(status), baseAddress)

	var out bytes.Buffer
	out.WriteString(leader)
	out.Write(dir.Bytes())
	out.Write(data.Bytes())
	out.WriteByte(recordTerminator)
	return out.Bytes(), nil
}

// audienceTerms maps a catalog.Audience to the LoC marctarget vocabulary
// term used in field 385 (annotator.py's AUDIENCE_TERMS).
var audienceTerms = map[catalog.Audience]string{
	catalog.AudienceChildren:   "Juvenile",
	catalog.AudienceYoungAdult: "Adolescent",
	catalog.AudienceAdultsOnly: "Adult",
	catalog.AudienceAdult:      "General",
}

// formatTerms maps a (content-type, DRM-scheme) pair to the 538 format
// note text (annotator.py's FORMAT_TERMS). Unmapped pairs contribute no
// field — the original system's own TODO notes the table is incomplete.
var formatTerms = map[[2]string]string{
	{"application/epub+zip", ""}:               "EPUB eBook",
	{"application/epub+zip", "Adobe DRM"}:       "Adobe EPUB eBook",
	{"application/pdf", ""}:                     "PDF eBook",
	{"application/pdf", "Adobe DRM"}:            "Adobe PDF eBook",
}

// languageAlpha3 maps a handful of common ISO 639-1 codes to their
// alpha-3 MARC equivalents (annotator.py defers to LanguageCodes, whose
// full table isn't part of this module's scope); "eng" is the default for
// anything unset or unrecognized, matching the original's own fallback.
var languageAlpha3 = map[string]string{
	"en": "eng", "fr": "fre", "de": "ger", "es": "spa", "it": "ita",
	"pt": "por", "nl": "dut", "ru": "rus", "zh": "chi", "ja": "jpn",
	"ar": "ara", "pl": "pol", "sv": "swe",
}

func languageCode(lang string) string {
	if lang == "" {
		return "eng"
	}
	if code, ok := languageAlpha3[strings.ToLower(lang)]; ok {
		return code
	}
	if len(lang) == 3 {
		return strings.ToLower(lang)
	}
	return "eng"
}

// nonFilingCharacters infers the 245 second-indicator value by comparing
// title against sortTitle (Open Question decision 3, annotator.py
// add_title): capped at 9, falls back to 0 on any ambiguity.
//
// TODO: non-Latin scripts make this inference unreliable; flagged rather
// than fixed, per spec.md §9's explicit instruction to preserve the
// existing behavior pending a dedicated revision.
func nonFilingCharacters(title, sortTitle string) int {
	if title == sortTitle || sortTitle == "" {
		return 0
	}
	idx := strings.LastIndex(sortTitle, ",")
	if idx < 0 {
		return 0
	}
	stemmed := sortTitle[:idx]
	offset := strings.Index(title, stemmed)
	if offset < 0 || offset > 9 {
		return 0
	}
	return offset
}

// BaseRecord builds the library-agnostic MARC record for one Work, per
// annotator.py's marc_record: control fields, ISBN, title, contributors,
// publisher/distributor, physical description, audience, series, system
// details, per-delivery-mechanism format notes, summary, genres, and the
// fixed "Electronic books." subject. distributorName stands in for
// pool.data_source.name — this module's catalog.LicensePool has no
// DataSource concept (out of scope per spec.md §1), so the caller
// supplies the collection's display name directly.
func BaseRecord(work catalog.Work, distributorName string, now time.Time) Record {
	edition := work.PresentationEdition
	pool := work.ActiveLicensePool
	record := Record{Status: StatusNew}

	addControlFields(&record, edition, pool, now)
	addISBN(&record, edition.PrimaryIdentifier)
	addTitle(&record, edition)
	addContributors(&record, edition)
	addPublisher(&record, edition)
	addPhysicalDescription(&record, edition)
	addAudience(&record, work.Audience)
	addSeries(&record, edition)
	addSystemDetails(&record)
	addEbooksSubject(&record)
	addDistributor(&record, distributorName)
	addFormats(&record, pool)
	addSummary(&record, work.SummaryText)
	addGenres(&record, work.Genres)

	return record
}

func addControlFields(r *Record, edition catalog.Edition, pool catalog.LicensePool, now time.Time) {
	r.add(Field{Tag: "001", Value: edition.PrimaryIdentifier.String()})
	r.add(Field{Tag: "005", Value: now.UTC().Format("20060102150405.0")})
	r.add(Field{Tag: "006", Value: "m        d        "})

	fileFormatsCode := "a"
	if len(pool.DeliveryMechanisms) > 1 {
		fileFormatsCode = "m"
	}
	r.add(Field{Tag: "007", Value: "cr cn ---" + fileFormatsCode + "nuuu"})

	var b strings.Builder
	b.WriteString(now.UTC().Format("060102"))
	if !edition.Issued.IsZero() {
		fmt.Fprintf(&b, "s%04d", edition.Issued.Year())
	} else {
		b.WriteString("n    ")
	}
	b.WriteString("    ")
	b.WriteString("xxu")
	b.WriteString("                 ")
	b.WriteString(languageCode(edition.Language))
	b.WriteString("  ")
	r.add(Field{Tag: "008", Value: b.String()})
}

func addISBN(r *Record, id catalog.Identifier) {
	if id.Type != catalog.IdentifierISBN || id.Value == "" {
		return
	}
	r.add(Field{Tag: "020", Subfields: []Subfield{{Code: 'a', Value: id.Value}}})
}

func addTitle(r *Record, edition catalog.Edition) {
	nf := nonFilingCharacters(edition.Title, edition.SortTitle)
	subfields := []Subfield{{Code: 'a', Value: edition.Title}}
	if edition.Subtitle != "" {
		subfields = append(subfields, Subfield{Code: 'b', Value: edition.Subtitle})
	}
	if author, ok := edition.PrimaryAuthor(); ok {
		subfields = append(subfields, Subfield{Code: 'c', Value: author.ContributorName})
	}
	r.add(Field{
		Tag:        "245",
		Indicators: [2]byte{'0', byte('0' + nf)},
		Subfields:  subfields,
	})
}

func addContributors(r *Record, edition catalog.Edition) {
	if author, ok := edition.PrimaryAuthor(); ok && len(edition.Contributions) == 1 {
		r.add(Field{
			Tag:        "100",
			Indicators: [2]byte{'1', ' '},
			Subfields:  []Subfield{{Code: 'a', Value: author.SortName}},
		})
		return
	}
	if len(edition.Contributions) <= 1 {
		return
	}
	for _, c := range edition.Contributions {
		if c.SortName == "" || c.Role == "" {
			continue
		}
		relator := catalog.MarcRelatorCode(c.Role)
		if relator == "" {
			relator = string(c.Role)
		}
		r.add(Field{
			Tag:        "700",
			Indicators: [2]byte{'1', ' '},
			Subfields: []Subfield{
				{Code: 'a', Value: c.SortName},
				{Code: 'e', Value: relator},
			},
		})
	}
}

func addPublisher(r *Record, edition catalog.Edition) {
	if edition.Publisher == "" {
		return
	}
	year := ""
	if !edition.Issued.IsZero() {
		year = fmt.Sprintf("%d", edition.Issued.Year())
	}
	r.add(Field{
		Tag:        "264",
		Indicators: [2]byte{' ', '1'},
		Subfields: []Subfield{
			{Code: 'a', Value: "[Place of publication not identified]"},
			{Code: 'b', Value: edition.Publisher},
			{Code: 'c', Value: year},
		},
	})
}

func addDistributor(r *Record, distributorName string) {
	if distributorName == "" {
		return
	}
	r.add(Field{
		Tag:        "264",
		Indicators: [2]byte{' ', '2'},
		Subfields:  []Subfield{{Code: 'b', Value: distributorName}},
	})
}

func addPhysicalDescription(r *Record, edition catalog.Edition) {
	switch edition.Medium {
	case catalog.MediumBook:
		r.add(Field{Tag: "300", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{{Code: 'a', Value: "1 online resource"}}})
		r.add(Field{Tag: "336", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{
			{Code: 'a', Value: "text"}, {Code: 'b', Value: "txt"}, {Code: '2', Value: "rdacontent"},
		}})
	case catalog.MediumAudio:
		r.add(Field{Tag: "300", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{
			{Code: 'a', Value: "1 sound file"}, {Code: 'b', Value: "digital"},
		}})
		r.add(Field{Tag: "336", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{
			{Code: 'a', Value: "spoken word"}, {Code: 'b', Value: "spw"}, {Code: '2', Value: "rdacontent"},
		}})
	}

	r.add(Field{Tag: "337", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{
		{Code: 'a', Value: "computer"}, {Code: 'b', Value: "c"}, {Code: '2', Value: "rdamedia"},
	}})
	r.add(Field{Tag: "338", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{
		{Code: 'a', Value: "online resource"}, {Code: 'b', Value: "cr"}, {Code: '2', Value: "rdacarrier"},
	}})

	var fileType string
	switch edition.Medium {
	case catalog.MediumBook:
		fileType = "text file"
	case catalog.MediumAudio:
		fileType = "audio file"
	}
	if fileType != "" {
		r.add(Field{Tag: "347", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{
			{Code: 'a', Value: fileType}, {Code: '2', Value: "rda"},
		}})
	}

	if edition.Medium == catalog.MediumBook {
		r.add(Field{Tag: "380", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{
			{Code: 'a', Value: "eBook"}, {Code: '2', Value: "tlcgt"},
		}})
	}
}

func addAudience(r *Record, audience catalog.Audience) {
	if audience == "" {
		audience = catalog.AudienceAdult
	}
	term, ok := audienceTerms[audience]
	if !ok {
		term = "General"
	}
	r.add(Field{Tag: "385", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{
		{Code: 'a', Value: term}, {Code: '2', Value: "tlctarget"},
	}})
}

func addSeries(r *Record, edition catalog.Edition) {
	if edition.Series == "" {
		return
	}
	subfields := []Subfield{{Code: 'a', Value: edition.Series}}
	if edition.SeriesPosition != 0 {
		subfields = append(subfields, Subfield{Code: 'v', Value: fmt.Sprintf("%d", edition.SeriesPosition)})
	}
	r.add(Field{Tag: "490", Indicators: [2]byte{'0', ' '}, Subfields: subfields})
}

func addSystemDetails(r *Record) {
	r.add(Field{Tag: "538", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{
		{Code: 'a', Value: "Mode of access: World Wide Web."},
	}})
}

func addFormats(r *Record, pool catalog.LicensePool) {
	for _, dm := range pool.DeliveryMechanisms {
		if term, ok := formatTerms[[2]string{dm.ContentType, dm.DRMScheme}]; ok {
			r.add(Field{Tag: "538", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{{Code: 'a', Value: term}}})
		}
	}
}

func addSummary(r *Record, summary string) {
	if summary == "" {
		return
	}
	stripped := stripTags(summary)
	r.add(Field{Tag: "520", Indicators: [2]byte{' ', ' '}, Subfields: []Subfield{{Code: 'a', Value: stripped}}})
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
			b.WriteByte(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func addGenres(r *Record, genres []catalog.Genre) {
	for _, g := range genres {
		r.add(Field{Tag: "650", Indicators: [2]byte{'0', '7'}, Subfields: []Subfield{
			{Code: 'a', Value: g.Name}, {Code: '2', Value: "Library Simplified"},
		}})
	}
}

func addEbooksSubject(r *Record) {
	r.add(Field{Tag: "655", Indicators: [2]byte{' ', '0'}, Subfields: []Subfield{
		{Code: 'a', Value: "Electronic books."},
	}})
}

// LibraryRecord layers a library's organization code, summary/genre
// inclusion settings, and web-client deep links onto a shared base
// record, per annotator.py's library_marc_record. The base record is
// never mutated.
func LibraryRecord(base Record, identifier catalog.Identifier, baseURL, librarySN string, webClientURLs []string, organizationCode string, includeSummary, includeGenres bool) Record {
	record := base.Clone()

	if organizationCode != "" {
		record.add(Field{Tag: "003", Value: organizationCode})
	}

	var drop []string
	if !includeSummary {
		drop = append(drop, "520")
	}
	if !includeGenres {
		drop = append(drop, "650")
	}
	if len(drop) > 0 {
		record.RemoveFields(drop...)
	}

	addWebClientURLs(&record, identifier, librarySN, baseURL, webClientURLs)
	return record
}

func addWebClientURLs(r *Record, identifier catalog.Identifier, librarySN, baseURL string, webClientURLs []string) {
	qualifiedIdentifier := pathEscape(fmt.Sprintf("%s/%s", identifier.Type, identifier.Value))
	link := fmt.Sprintf("%s/%s/works/%s", baseURL, librarySN, qualifiedIdentifier)
	encodedLink := pathEscape(link)

	for _, webClientBaseURL := range webClientURLs {
		url := fmt.Sprintf("%s/book/%s", webClientBaseURL, encodedLink)
		r.add(Field{Tag: "856", Indicators: [2]byte{'4', '0'}, Subfields: []Subfield{{Code: 'u', Value: url}}})
	}
}

// SetRevised marks a record as a delta's corrected revision (spec.md
// §4.7 "Revision flag"), returning a copy so the full-file record stays
// untouched.
func SetRevised(r Record) Record {
	revised := r.Clone()
	revised.Status = StatusCorrected
	return revised
}

func pathEscape(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0xF])
	}
	return b.String()
}
