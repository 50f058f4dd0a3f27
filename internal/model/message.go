package model

import "time"

// MessageInfo is the locally stored summary of one synced message.
type MessageInfo struct {
	// AccountID identifies the owning account.
	AccountID string

	// Folder is the server-side mailbox the message lives in.
	Folder string

	// UID is the message's IMAP UID within the folder. UIDs are only
	// meaningful together with the folder's UIDVALIDITY.
	UID uint32

	// MessageID is the RFC 5322 Message-ID header, when present.
	MessageID string

	// Subject is the decoded subject line.
	Subject string

	// From is the first sender address.
	From string

	// Date is the message date from the envelope.
	Date time.Time

	// Flags holds the IMAP flags seen at sync time
	// (\Seen, \Flagged, \Answered, \Deleted).
	Flags []string

	// Snippet is a short plain-text excerpt of the body.
	Snippet string

	// HasAttachment reports whether any attachment part was seen.
	HasAttachment bool
}

// FolderStatus is the server-reported state of a selected folder.
type FolderStatus struct {
	// UIDValidity invalidates all stored UIDs for the folder when it
	// changes; a mismatch forces a full resync.
	UIDValidity uint32

	// UIDNext is the UID the server will assign to the next message.
	UIDNext uint32

	// NumMessages is the number of messages currently in the folder.
	NumMessages uint32
}

// FolderState is the locally persisted sync position of one folder.
type FolderState struct {
	// AccountID identifies the owning account.
	AccountID string

	// Folder is the mailbox name.
	Folder string

	// UIDValidity is the UIDVALIDITY the stored UIDs belong to.
	UIDValidity uint32

	// LastSeenUID is the highest UID already synced.
	LastSeenUID uint32

	// SyncedAt records the completion time of the last sync.
	SyncedAt time.Time
}
