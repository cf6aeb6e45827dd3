package garden

import (
	"context"
	"fmt"
	"time"

	"github.com/plantmate/garden/core/csql"
	"github.com/plantmate/garden/core/logger"
)

// Store executes the garden queries against postgres. It creates its
// relations at construction time if they do not exist yet.
type Store struct {
	db *csql.DB
}

// MustNewStore returns a new Store. It panics if the relations cannot be
// created.
func MustNewStore(db *csql.DB) *Store {
	schema := db.Schema
	// no unique constraint on (user_id, placenum): two plants can share a
	// slot, the frontend resolves this last-write-wins
	createQuery := fmt.Sprintf(`
CREATE table IF NOT EXISTS %[1]s."plant"
(plant_id bigint NOT NULL PRIMARY KEY,
pixel_image_url varchar NOT NULL DEFAULT ''
);
CREATE table IF NOT EXISTS %[1]s."uploaded_photo"
(serial SERIAL PRIMARY KEY,
user_id bigint NOT NULL,
plant_id bigint NOT NULL,
uploaded_at timestamp NOT NULL DEFAULT now()
);
CREATE index IF NOT EXISTS uploaded_photo_user_plant ON %[1]s."uploaded_photo"(user_id, plant_id);
CREATE table IF NOT EXISTS %[1]s."garden"
(user_id bigint NOT NULL,
plant_id bigint NOT NULL,
placenum integer NOT NULL,
s3_key varchar NOT NULL DEFAULT '',
PRIMARY KEY (user_id, plant_id)
);`, schema)

	_, err := db.Exec(createQuery)
	if err != nil {
		panic(err)
	}
	logger.Default().Debugln("garden store ready, schema:", schema)
	return &Store{db: db}
}

// UpsertPlant creates or updates a catalog entry
func (s *Store) UpsertPlant(ctx context.Context, plant Plant) error {
	upsertQuery := fmt.Sprintf(`INSERT INTO %s."plant" (plant_id, pixel_image_url) VALUES ($1, $2)
ON CONFLICT (plant_id) DO UPDATE SET pixel_image_url = EXCLUDED.pixel_image_url;`, s.db.Schema)
	_, err := s.db.ExecContext(ctx, upsertQuery, plant.PlantID, plant.PixelImageURL)
	return err
}

// RecordUpload appends an upload record for the given user and plant
func (s *Store) RecordUpload(ctx context.Context, userID, plantID int64, uploadedAt time.Time) error {
	insertQuery := fmt.Sprintf(`INSERT INTO %s."uploaded_photo" (user_id, plant_id, uploaded_at) VALUES ($1, $2, $3);`,
		s.db.Schema)
	_, err := s.db.ExecContext(ctx, insertQuery, userID, plantID, uploadedAt)
	return err
}

// ListPlacements returns the user's current placement rows, earliest API
// shape: plant id and slot only.
func (s *Store) ListPlacements(ctx context.Context, userID int64) ([]PixelItem, error) {
	listQuery := fmt.Sprintf(`SELECT plant_id, placenum FROM %s."garden" WHERE user_id = $1 ORDER BY plant_id;`,
		s.db.Schema)
	rows, err := s.db.QueryContext(ctx, listQuery, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []PixelItem{}
	for rows.Next() {
		var item PixelItem
		if err := rows.Scan(&item.PixelID, &item.PlaceNum); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// ListGardenPhotos produces the placement read model for one user: the
// latest upload per plant, joined with the catalog for the image reference
// and left-joined with the placements for the slot. Plants without a
// catalog entry or with a blank image reference are invisible. Rows are
// ordered by slot descending, plant id ascending.
func (s *Store) ListGardenPhotos(ctx context.Context, userID int64) ([]GardenPhoto, error) {
	readModelQuery := fmt.Sprintf(`
SELECT latest.plant_id, COALESCE(g.placenum, 0) AS placenum, p.pixel_image_url
FROM (
    SELECT user_id, plant_id, MAX(uploaded_at) AS uploaded_at
    FROM %[1]s."uploaded_photo"
    WHERE user_id = $1
    GROUP BY user_id, plant_id
) latest
JOIN %[1]s."plant" p ON p.plant_id = latest.plant_id
LEFT JOIN %[1]s."garden" g ON g.user_id = latest.user_id AND g.plant_id = latest.plant_id
WHERE btrim(p.pixel_image_url) <> ''
ORDER BY COALESCE(g.placenum, 0) DESC, latest.plant_id ASC;`, s.db.Schema)

	rows, err := s.db.QueryContext(ctx, readModelQuery, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []GardenPhoto{}
	for rows.Next() {
		photo := GardenPhoto{UserID: userID}
		if err := rows.Scan(&photo.PlantID, &photo.PlaceNum, &photo.PixelImageURL); err != nil {
			return nil, err
		}
		result = append(result, photo)
	}
	return result, rows.Err()
}

// SavePlacements reconciles the stored placements of one user with the
// submitted set. Items with a positive slot are upserted, items with a zero
// or negative slot are deleted; plants not mentioned in the submission stay
// untouched. All items are applied in one transaction; on any failure the
// whole submission is rolled back. Resubmitting the same set is idempotent.
func (s *Store) SavePlacements(ctx context.Context, userID int64, items []PlacementItem) error {
	deleteQuery := fmt.Sprintf(`DELETE FROM %s."garden" WHERE user_id = $1 AND plant_id = $2;`, s.db.Schema)
	upsertQuery := fmt.Sprintf(`INSERT INTO %s."garden" (user_id, plant_id, placenum, s3_key) VALUES ($1, $2, $3, '')
ON CONFLICT (user_id, plant_id) DO UPDATE SET placenum = EXCLUDED.placenum, s3_key = '';`, s.db.Schema)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}

	for _, item := range items {
		if item.PlaceNum <= 0 {
			// clearing a placement that does not exist is a no-op
			_, err = tx.ExecContext(ctx, deleteQuery, userID, item.PlantID)
		} else {
			_, err = tx.ExecContext(ctx, upsertQuery, userID, item.PlantID, item.PlaceNum)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("cannot save placement for plant %d: %w", item.PlantID, err)
		}
	}
	return tx.Commit()
}
