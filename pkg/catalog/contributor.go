package catalog

// ContributorRole is the closed set of roles a Contribution can carry,
// grounded verbatim on original_source/sqlalchemy/model/contributor.py's
// Contributor.Role enum.
type ContributorRole string

const (
	RoleAuthor             ContributorRole = "Author"
	RolePrimaryAuthor      ContributorRole = "Primary Author"
	RoleEditor             ContributorRole = "Editor"
	RoleArtist             ContributorRole = "Artist"
	RolePhotographer       ContributorRole = "Photographer"
	RoleTranslator         ContributorRole = "Translator"
	RoleIllustrator        ContributorRole = "Illustrator"
	RoleLetterer           ContributorRole = "Letterer"
	RolePenciler           ContributorRole = "Penciler"
	RoleColorist           ContributorRole = "Colorist"
	RoleInker              ContributorRole = "Inker"
	RoleIntroduction       ContributorRole = "Introduction Author"
	RoleForeword           ContributorRole = "Foreword Author"
	RoleAfterword          ContributorRole = "Afterword Author"
	RoleColophon           ContributorRole = "Colophon Author"
	RoleUnknown            ContributorRole = "Unknown"
	RoleDirector           ContributorRole = "Director"
	RoleProducer           ContributorRole = "Producer"
	RoleExecutiveProducer  ContributorRole = "Executive Producer"
	RoleActor              ContributorRole = "Actor"
	RoleLyricist           ContributorRole = "Lyricist"
	RoleContributor        ContributorRole = "Contributor"
	RoleComposer           ContributorRole = "Composer"
	RoleNarrator           ContributorRole = "Narrator"
	RoleCompiler           ContributorRole = "Compiler"
	RoleAdapter            ContributorRole = "Adapter"
	RolePerformer          ContributorRole = "Performer"
	RoleMusician           ContributorRole = "Musician"
	RoleAssociated         ContributorRole = "Associated name"
	RoleCollaborator       ContributorRole = "Collaborator"
	RoleEngineer           ContributorRole = "Engineer"
	RoleCopyrightHolder    ContributorRole = "Copyright holder"
	RoleTranscriber        ContributorRole = "Transcriber"
	RoleDesigner           ContributorRole = "Designer"
)

// AuthorRoles are the roles that qualify a Contribution to fill an
// Edition's primary-author slot.
var AuthorRoles = map[ContributorRole]bool{
	RolePrimaryAuthor: true,
	RoleAuthor:        true,
}

// AuthorSubstituteRoles are roles eligible to fill the author slot when no
// true author Contribution exists.
var AuthorSubstituteRoles = []ContributorRole{
	RoleEditor, RoleCompiler, RoleComposer, RoleDirector, RoleContributor,
	RoleTranslator, RoleAdapter, RolePhotographer, RoleArtist, RoleLyricist,
	RoleCopyrightHolder,
}

// PerformerRoles are roles that describe audio performance credits.
var PerformerRoles = []ContributorRole{RoleActor, RolePerformer, RoleNarrator, RoleMusician}

// marcRelatorCodes maps each recognized role to its MARC relator term
// (https://www.loc.gov/marc/relators/relaterm.html), used by the MARC
// export engine's 700 fields.
var marcRelatorCodes = map[ContributorRole]string{
	RoleActor:             "act",
	RoleAdapter:            "adp",
	RoleAfterword:          "aft",
	RoleArtist:             "art",
	RoleAssociated:         "asn",
	RoleAuthor:             "aut",
	RoleCollaborator:       "ctb",
	RoleColophon:           "aft",
	RoleCompiler:           "com",
	RoleComposer:           "cmp",
	RoleContributor:        "ctb",
	RoleCopyrightHolder:    "cph",
	RoleDesigner:           "dsr",
	RoleDirector:           "drt",
	RoleEditor:             "edt",
	RoleEngineer:           "eng",
	RoleExecutiveProducer:  "pro",
	RoleForeword:           "wpr",
	RoleIllustrator:        "ill",
	RoleIntroduction:       "win",
	RoleLyricist:           "lyr",
	RoleMusician:           "mus",
	RoleNarrator:           "nrt",
	RolePerformer:          "prf",
	RolePhotographer:       "pht",
	RolePrimaryAuthor:      "aut",
	RoleProducer:           "pro",
	RoleTranscriber:        "trc",
	RoleTranslator:         "trl",
	RoleLetterer:           "ctb",
	RolePenciler:           "ctb",
	RoleColorist:           "clr",
	RoleInker:              "ctb",
	RoleUnknown:            "asn",
}

// MarcRelatorCode returns the MARC relator code for role, or "" if role
// isn't recognized (callers should treat that as "omit the code").
func MarcRelatorCode(role ContributorRole) string {
	return marcRelatorCodes[role]
}

// Contribution attributes one Contributor to an Edition in a given role.
type Contribution struct {
	ContributorName string
	SortName        string
	Role            ContributorRole
}
