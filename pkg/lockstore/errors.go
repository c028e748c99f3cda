package lockstore

import "fmt"

// LockError is raised when a CAS commit is refused: the lease's nonce no
// longer matches (another worker holds/stole it), or the tenant-specific
// update_number changed between read and write.
type LockError struct {
	Key     string
	Message string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock error on %s: %s", e.Key, e.Message)
}

// MarcFileUploadSessionError is raised for MARC upload session state
// violations: mutating without a valid lease, or an inconsistent
// uploads map (e.g. add_part_and_clear_buffer on a missing key).
type MarcFileUploadSessionError struct {
	Key     string
	Message string
}

func (e *MarcFileUploadSessionError) Error() string {
	return fmt.Sprintf("marc upload session error on %s: %s", e.Key, e.Message)
}
