/*Package garden implements the placement backend: a read model over the
user's uploaded plant photos, a transactional placement reconciler and the
HTTP API on top of both.

The relational store is the sole authority for placements and upload
history; nothing is cached across requests.
*/
package garden

import "time"

// Plant is a catalog entry. Catalog entries are reference data maintained
// outside of this service.
type Plant struct {
	PlantID       int64  `json:"plant_id"`
	PixelImageURL string `json:"pixel_image_url"`
}

// UploadedPhoto records that a user has uploaded a photo for a plant. The
// records are append-only; for any (user, plant) pair only the latest
// upload is relevant to the read model.
type UploadedPhoto struct {
	UserID     int64     `json:"user_id"`
	PlantID    int64     `json:"plant_id"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Placement represents "user has plant placed at slot placenum". There is at
// most one placement per (user, plant) pair. The s3_key column is a legacy
// column retained for schema compatibility and always persisted empty.
type Placement struct {
	UserID   int64  `json:"user_id"`
	PlantID  int64  `json:"plant_id"`
	PlaceNum int    `json:"placenum"`
	S3Key    string `json:"s3_key"`
}

// PlacementItem is one entry of a client-submitted placement set. A
// placenum of zero or below clears the placement.
type PlacementItem struct {
	PlantID  int64  `json:"plant_id"`
	PlaceNum int    `json:"placenum"`
	S3Key    string `json:"s3_key,omitempty"`
}

// GardenPhoto is one row of the placement read model: a placeable plant of
// the user, annotated with its current slot (0 if unplaced) and the stored
// image reference.
type GardenPhoto struct {
	PlantID       int64
	UserID        int64
	PlaceNum      int
	PixelImageURL string
}

// PixelItem is the response shape of the legacy per-user placement listing
type PixelItem struct {
	PixelID  int64 `json:"pixel_id"`
	PlaceNum int   `json:"placenum"`
}
