package badger

import (
	"context"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
)

// ImageStorage implements the image repository over Badger
type ImageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewImageStorage creates a new ImageStorage instance
func NewImageStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ImageStorage {
	return &ImageStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ImageStorage) BulkCreate(ctx context.Context, jobID string, records []models.ImageRecord) ([]*models.Image, error) {
	if jobID == "" {
		return nil, faults.New(faults.KindValidation, "job ID is required")
	}

	now := time.Now()
	images := make([]*models.Image, len(records))

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		for i, record := range records {
			img := imageFromRecord(jobID, record, now)
			if err := s.db.Store().TxInsert(txn, img.ID, img); err != nil {
				return err
			}
			images[i] = img
		}
		return nil
	})
	if err != nil {
		return nil, storeFault(err, "failed to bulk-create %d images for job %s", len(records), jobID)
	}
	return images, nil
}

func (s *ImageStorage) GetImage(ctx context.Context, imageID string) (*models.Image, error) {
	var img models.Image
	if err := s.db.Store().Get(imageID, &img); err != nil {
		return nil, storeFault(err, "image %s", imageID)
	}
	return &img, nil
}

func (s *ImageStorage) MarkValidated(ctx context.Context, imageID string, result models.ValidationResult) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		var img models.Image
		if err := s.db.Store().TxGet(txn, imageID, &img); err != nil {
			return err
		}

		isValid := result.IsValid
		isDuplicate := result.IsDuplicate
		img.IsValid = &isValid
		img.IsDuplicate = &isDuplicate
		if len(result.Metadata) > 0 {
			if img.Metadata == nil {
				img.Metadata = make(map[string]interface{}, len(result.Metadata))
			}
			for k, v := range result.Metadata {
				img.Metadata[k] = v
			}
		}

		return s.db.Store().TxUpdate(txn, imageID, &img)
	})
	return storeFault(err, "failed to mark image %s validated", imageID)
}

func (s *ImageStorage) GetByJob(ctx context.Context, jobID string, page, limit int) ([]*models.Image, int, error) {
	query := badgerhold.Where("CrawlJobID").Eq(jobID)

	total, err := s.db.Store().Count(&models.Image{}, query)
	if err != nil {
		return nil, 0, storeFault(err, "failed to count images for job %s", jobID)
	}

	query = query.SortBy("CreatedAt")
	if limit > 0 {
		query = query.Limit(limit)
		if page > 1 {
			query = query.Skip((page - 1) * limit)
		}
	}

	var images []models.Image
	if err := s.db.Store().Find(&images, query); err != nil {
		return nil, 0, storeFault(err, "failed to list images for job %s", jobID)
	}

	result := make([]*models.Image, len(images))
	for i := range images {
		result[i] = &images[i]
	}
	return result, int(total), nil
}

func (s *ImageStorage) CountByJob(ctx context.Context, jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.Image{}, badgerhold.Where("CrawlJobID").Eq(jobID))
	if err != nil {
		return 0, storeFault(err, "failed to count images for job %s", jobID)
	}
	return int(count), nil
}
