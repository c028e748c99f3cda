package catalog

// MarcSessionState is the closed state enum for a MARC Upload Session
// (spec.md §3).
type MarcSessionState string

const (
	MarcSessionInitial   MarcSessionState = "initial"
	MarcSessionQueued    MarcSessionState = "queued"
	MarcSessionUploading MarcSessionState = "uploading"
)

// MarcUploadPart is one completed S3 multipart upload part for a single
// s3 key within a session.
type MarcUploadPart struct {
	PartNumber int
	ETag       string
	Size       int64
}

// MarcUpload is the per-s3-key state inside a session: buffered bytes not
// yet flushed, the multipart upload id once started, and parts already
// committed.
type MarcUpload struct {
	S3Key    string
	Buffer   []byte
	UploadID string
	Parts    []MarcUploadPart
}

// MarcUploadSession is the domain view of a per-collection ephemeral MARC
// export session (spec.md §3): the lock owner's fencing token, an
// update_number for optimistic concurrency, a state, and the per-key
// upload map. The actual CAS-backed storage lives in pkg/lockstore; this
// type is what MARC export code reads and writes through that storage.
type MarcUploadSession struct {
	CollectionID string
	FencingToken string
	UpdateNumber int64
	State        MarcSessionState
	Uploads      map[string]MarcUpload
}
