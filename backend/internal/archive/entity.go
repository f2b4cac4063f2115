package archive

import "time"

// DocumentArchive is one evicted snapshot. A document evicted several times
// gets one row per distinct version.
type DocumentArchive struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	// width matches model.MaxDocumentIDLength
	DocID      string    `gorm:"type:varchar(128);not null;uniqueIndex:uk_doc_version,priority:1"`
	Version    uint64    `gorm:"not null;uniqueIndex:uk_doc_version,priority:2"`
	Content    string    `gorm:"type:longtext;not null"`
	ArchivedAt time.Time `gorm:"not null;index"`
}

func (DocumentArchive) TableName() string { return "document_archives" }
