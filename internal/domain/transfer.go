package domain

import "time"

// ProcessorSpec names a staging processor and its configuration for one transfer.
type ProcessorSpec struct {
	Name             string            `json:"name"`
	UniqueIdentifier string            `json:"uid"`
	Properties       map[string]string `json:"properties,omitempty"`
}

// Transfer is the persisted record of a transfer tracked by the system.
type Transfer struct {
	ID           string          `json:"id"`
	Kind         TransferKind    `json:"kind"`
	Status       TransferStatus  `json:"status"`
	Destination  string          `json:"destination"`
	Processors   []ProcessorSpec `json:"processors,omitempty"`
	Container    *Container      `json:"-"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Files        []TransferFile  `json:"files,omitempty"`
}

// TransferFile is the persisted manifest entry of one file of a transfer.
type TransferFile struct {
	ID          int64  `json:"id"`
	TransferID  string `json:"transfer_id"`
	Collection  string `json:"collection"`
	Path        string `json:"path"`
	LFN         string `json:"lfn"`
	Transferred bool   `json:"transferred"`
}

// Manifest flattens every collection of c into manifest entries.
func Manifest(c *Container) []TransferFile {
	var files []TransferFile
	for _, collection := range []string{CollectionData, CollectionGenerated, CollectionSettings} {
		for _, f := range c.Files(collection) {
			files = append(files, TransferFile{
				TransferID:  c.TransferID(),
				Collection:  collection,
				Path:        f.RelPath,
				LFN:         f.LFN,
				Transferred: f.Transferred,
			})
		}
	}
	return files
}
