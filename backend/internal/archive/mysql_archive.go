package archive

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docsync/backend/internal/model"
)

var (
	// ErrNotArchived is returned by Latest when a document has no archived row.
	ErrNotArchived = errors.New("NOT_ARCHIVED")
	// ErrDocumentIDTooLong is returned by Archive for ids the doc_id column
	// cannot hold.
	ErrDocumentIDTooLong = errors.New("DOCUMENT_ID_TOO_LONG")
)

const mysqlDuplicateEntry = 1062

// MySQLArchive keeps evicted snapshots in MySQL.
type MySQLArchive struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to dsn and migrates the archive table.
func Open(dsn string) (*MySQLArchive, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return New(db)
}

func New(db *gorm.DB) (*MySQLArchive, error) {
	if err := db.AutoMigrate(&DocumentArchive{}); err != nil {
		return nil, fmt.Errorf("migrate document_archives: %w", err)
	}
	return &MySQLArchive{db: db, now: time.Now}, nil
}

// Archive inserts the snapshot. Archiving the same version twice is a no-op.
func (a *MySQLArchive) Archive(ctx context.Context, docID string, snap *model.Snapshot) error {
	if !model.ValidDocumentID(docID) {
		return fmt.Errorf("%w: %d characters, max %d", ErrDocumentIDTooLong, utf8.RuneCountInString(docID), model.MaxDocumentIDLength)
	}
	row := DocumentArchive{
		DocID:      docID,
		Version:    snap.Version,
		Content:    snap.Content,
		ArchivedAt: a.now(),
	}
	err := a.db.WithContext(ctx).Create(&row).Error
	if err != nil && !isDuplicate(err) {
		return fmt.Errorf("archive %s v%d: %w", docID, snap.Version, err)
	}
	return nil
}

// Latest returns the highest archived version of docID.
func (a *MySQLArchive) Latest(ctx context.Context, docID string) (*DocumentArchive, error) {
	var row DocumentArchive
	err := a.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("version DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotArchived
		}
		return nil, err
	}
	return &row, nil
}

func (a *MySQLArchive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
