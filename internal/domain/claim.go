package domain

import "encoding/json"

// ClaimIdentifier is the file/claim number token read from one CSV data row.
type ClaimIdentifier struct {
	Value string `json:"value"`
	// Row is the 1-based physical CSV row the identifier came from, header included.
	Row int `json:"row"`
}

// String returns the raw identifier value.
func (c ClaimIdentifier) String() string {
	return c.Value
}

// Contact is a claim contact normalized across the several shapes the platform returns.
type Contact struct {
	ID        json.RawMessage `json:"id,omitempty"`
	UUID      string          `json:"uuid,omitempty"`
	FirstName string          `json:"firstName"`
	LastName  string          `json:"lastName"`
	Email     string          `json:"email"`
	Phone     string          `json:"phone"`
	Address   json.RawMessage `json:"address,omitempty"`
	IsPrimary bool            `json:"isPrimary"`
}

// FileEntry is the metadata of one remote file. File contents are never downloaded;
// DownloadURL only references them.
type FileEntry struct {
	Title       string          `json:"title"`
	Filename    string          `json:"filename"`
	Key         string          `json:"key"`
	Folder      bool            `json:"folder"`
	Size        json.RawMessage `json:"size,omitempty"`
	FileDate    string          `json:"fileDate,omitempty"`
	Description string          `json:"description,omitempty"`
	DownloadURL string          `json:"downloadUrl"`
}

// ClaimRecord is the aggregated export result for one identifier.
// Platform payloads are carried as raw JSON and never validated; the list-valued sections
// (mortgages, externalPersonnel, actionItems, notes, activity) hold raw JSON arrays.
// A record with Error set is a placeholder for a claim that could not be collected.
type ClaimRecord struct {
	FileNumber        string          `json:"fileNumber,omitempty"`
	ClaimID           json.RawMessage `json:"claimId,omitempty"`
	ClaimUUID         string          `json:"claimUuid,omitempty"`
	ClaimDetails      json.RawMessage `json:"claimDetails,omitempty"`
	FullClaimData     json.RawMessage `json:"fullClaimData,omitempty"`
	Contacts          []Contact       `json:"contacts,omitempty"`
	Personnel         json.RawMessage `json:"personnel,omitempty"`
	Phases            json.RawMessage `json:"phases,omitempty"`
	Insurance         json.RawMessage `json:"insurance,omitempty"`
	Mortgages         json.RawMessage `json:"mortgages,omitempty"`
	ExternalPersonnel json.RawMessage `json:"externalPersonnel,omitempty"`
	ActionItems       json.RawMessage `json:"actionItems,omitempty"`
	Ledger            json.RawMessage `json:"ledger,omitempty"`
	LedgerNotes       json.RawMessage `json:"ledgerNotes,omitempty"`
	LedgerInvoices    json.RawMessage `json:"ledgerInvoices,omitempty"`
	Files             []FileEntry     `json:"files,omitempty"`
	Notes             json.RawMessage `json:"notes,omitempty"`
	Activity          json.RawMessage `json:"activity,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// Failed reports whether the record is an error-tagged placeholder.
func (r *ClaimRecord) Failed() bool {
	return r.Error != ""
}

// NewFailedRecord builds the placeholder stored for a claim whose lookup failed.
func NewFailedRecord(fileNumber string, err error) *ClaimRecord {
	return &ClaimRecord{FileNumber: fileNumber, Error: err.Error()}
}
