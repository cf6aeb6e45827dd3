package garden

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/plantmate/garden/core/access"
	"github.com/plantmate/garden/core/blobstore"
	"github.com/plantmate/garden/core/csql"
	"github.com/plantmate/garden/core/logger"
	"github.com/plantmate/garden/core/schema"
)

// presigned image and upload URLs are valid for one hour
const presignExpiry = 3600 * time.Second

// the plant images are pixel-art renderings, always stored as png
const imageContentType = "image/png"

const savePlacementsSchemaID = "https://plantmate.io/schemas/save_placements.json"

const savePlacementsSchema = `{
  "$id": "` + savePlacementsSchemaID + `",
  "type": "object",
  "required": ["photos"],
  "properties": {
    "photos": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["plant_id", "placenum"],
        "properties": {
          "plant_id": { "type": "integer" },
          "placenum": { "type": "integer" },
          "s3_key": { "type": "string" }
        }
      }
    }
  }
}`

// API is the garden REST backend
type API struct {
	store     *Store
	blob      blobstore.Driver
	notifier  *Notifier
	router    *mux.Router
	validator *schema.Validator
	presign   bool
}

// Builder is a builder helper for the API
type Builder struct {
	// DB is the postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Blob is the object store driver for the photo images. This is mandatory.
	Blob blobstore.Driver
	// JwtSecret is the shared secret of the auth service. This is mandatory.
	JwtSecret string
	// JwtAlgorithm is the accepted signing algorithm. Defaults to HS256.
	JwtAlgorithm string
	// AllowedOrigins is the list of origins allowed for cross-origin access.
	// An empty list or a "*" entry allows any origin.
	AllowedOrigins []string
	// PresignImages makes /api/s3photos return pre-signed URLs instead of
	// the stored raw image references.
	PresignImages bool
	// Notifier publishes placement-changed events. This is optional.
	Notifier *Notifier
}

// MustNewAPI realizes the garden backend. It creates the sql relations (if
// they do not exist) and adds the routes to the router.
func MustNewAPI(b *Builder) *API {
	if b.DB == nil {
		panic("DB is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Blob == nil {
		panic("Blob is missing")
	}

	validator, err := schema.NewValidator([]string{savePlacementsSchema}, nil)
	if err != nil {
		panic(err)
	}

	a := &API{
		store:     MustNewStore(b.DB),
		blob:      b.Blob,
		notifier:  b.Notifier,
		router:    b.Router,
		validator: validator,
		presign:   b.PresignImages,
	}

	logger.AddRequestID(b.Router)
	a.handleCORS(b.AllowedOrigins)
	a.handleCompression()
	a.handleRoutes(b)
	return a
}

// Store returns the underlying placement store
func (a *API) Store() *Store {
	return a.store
}

func (a *API) handleRoutes(b *Builder) {
	rlog := logger.Default()
	rlog.Debugln("garden api")
	rlog.Debugln("  handle route: /user/{user_id}/photos GET")
	rlog.Debugln("  handle route: /user/{user_id}/photos/{pixel_id} PUT")
	rlog.Debugln("  handle route: /images/{key} GET")
	rlog.Debugln("  handle route: /api/s3photos GET")
	rlog.Debugln("  handle route: /api/s3photos_for_react GET")
	rlog.Debugln("  handle route: /api/save_placements POST")
	rlog.Debugln("  handle route: /api/upload_photo POST")
	rlog.Debugln("  handle route: /api/upload_url GET")

	a.router.HandleFunc("/user/{user_id}/photos", a.getUserPhotos).Methods(http.MethodOptions, http.MethodGet)
	a.router.HandleFunc("/user/{user_id}/photos/{pixel_id}", a.putUserPhoto).Methods(http.MethodOptions, http.MethodPut)
	a.router.HandleFunc("/images/{key:.+}", a.getImage).Methods(http.MethodOptions, http.MethodGet)

	api := a.router.PathPrefix("/api").Subrouter()
	api.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
		Secret:    b.JwtSecret,
		Algorithm: b.JwtAlgorithm,
	}))
	api.HandleFunc("/s3photos", a.getS3Photos).Methods(http.MethodOptions, http.MethodGet)
	api.HandleFunc("/s3photos_for_react", a.getS3PhotosForReact).Methods(http.MethodOptions, http.MethodGet)
	api.HandleFunc("/save_placements", a.savePlacements).Methods(http.MethodOptions, http.MethodPost)
	api.HandleFunc("/upload_photo", a.uploadPhoto).Methods(http.MethodOptions, http.MethodPost)
	api.HandleFunc("/upload_url", a.getUploadURL).Methods(http.MethodOptions, http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, response interface{}) {
	jsonData, _ := json.MarshalWithOption(response, json.DisableHTMLEscape())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// getUserPhotos is the earliest variant of the placement listing: plant id
// and slot straight from the garden table, no authentication.
func (a *API) getUserPhotos(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		http.Error(w, "broken user identifier", http.StatusBadRequest)
		return
	}

	items, err := a.store.ListPlacements(r.Context(), userID)
	if err != nil {
		rlog.WithError(err).Errorf("Error 5301: cannot list placements for user %d", userID)
		http.Error(w, "Error 5301", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// putUserPhoto upserts a single placement, earliest API variant
func (a *API) putUserPhoto(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	params := mux.Vars(r)
	userID, err := strconv.ParseInt(params["user_id"], 10, 64)
	if err != nil {
		http.Error(w, "broken user identifier", http.StatusBadRequest)
		return
	}
	pixelID, err := strconv.ParseInt(params["pixel_id"], 10, 64)
	if err != nil {
		http.Error(w, "broken pixel identifier", http.StatusBadRequest)
		return
	}

	var item PixelItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if item.PixelID != 0 && item.PixelID != pixelID {
		http.Error(w, "identifier mismatch for pixel", http.StatusBadRequest)
		return
	}

	err = a.store.SavePlacements(r.Context(), userID, []PlacementItem{
		{PlantID: pixelID, PlaceNum: item.PlaceNum},
	})
	if err != nil {
		rlog.WithError(err).Errorf("Error 5302: cannot save placement for user %d", userID)
		http.Error(w, "Error 5302", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

type s3PhotoResponse struct {
	PlantID  int64  `json:"plant_id"`
	UserID   int64  `json:"user_id"`
	PlaceNum int    `json:"placenum"`
	S3Key    string `json:"s3_key"`
	ImageURL string `json:"image_url"`
}

// getS3Photos returns the placement read model with full image URLs. With
// presigning enabled the stored reference is exchanged for a time-limited
// URL; items that cannot be presigned are skipped, not fatal to the batch.
func (a *API) getS3Photos(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	userID, ok := access.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	photos, err := a.store.ListGardenPhotos(r.Context(), userID)
	if err != nil {
		rlog.WithError(err).Errorf("Error 5310: cannot read garden of user %d", userID)
		http.Error(w, "Error 5310", http.StatusInternalServerError)
		return
	}

	response := []s3PhotoResponse{}
	for _, photo := range photos {
		imageURL := photo.PixelImageURL
		if a.presign {
			key := ImageKey(photo.PixelImageURL)
			if key == "" {
				rlog.Warningln("skipping plant with malformed image reference:", photo.PlantID)
				continue
			}
			imageURL, err = a.blob.GetPreSignedURL(blobstore.Get, key, presignExpiry)
			if err != nil {
				rlog.WithError(err).Warningln("cannot presign image, skipping plant:", photo.PlantID)
				continue
			}
		}
		response = append(response, s3PhotoResponse{
			PlantID:  photo.PlantID,
			UserID:   userID,
			PlaceNum: photo.PlaceNum,
			S3Key:    "",
			ImageURL: imageURL,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

type reactPhotoResponse struct {
	PlantID  int64  `json:"plant_id"`
	PlaceNum int    `json:"placenum"`
	ImageKey string `json:"image_key"`
}

// getS3PhotosForReact returns the placement read model with derived image
// keys for the web client, which fetches the images through /images/{key}.
// A malformed stored reference degrades to an empty key; the row is still
// emitted.
func (a *API) getS3PhotosForReact(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	userID, ok := access.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	photos, err := a.store.ListGardenPhotos(r.Context(), userID)
	if err != nil {
		rlog.WithError(err).Errorf("Error 5311: cannot read garden of user %d", userID)
		http.Error(w, "Error 5311", http.StatusInternalServerError)
		return
	}

	response := []reactPhotoResponse{}
	for _, photo := range photos {
		response = append(response, reactPhotoResponse{
			PlantID:  photo.PlantID,
			PlaceNum: photo.PlaceNum,
			ImageKey: ImageKey(photo.PixelImageURL),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

type savePlacementsRequest struct {
	Photos []PlacementItem `json:"photos"`
}

// savePlacements applies a client-submitted placement set atomically
func (a *API) savePlacements(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	userID, ok := access.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read request body", http.StatusBadRequest)
		return
	}
	if err := a.validator.ValidateString(string(body), savePlacementsSchemaID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var request savePlacementsRequest
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err = a.store.SavePlacements(r.Context(), userID, request.Photos)
	if err != nil {
		rlog.WithError(err).Errorf("Error 5320: cannot save placements for user %d", userID)
		http.Error(w, "save placements failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	a.notifier.PlacementsSaved(r.Context(), userID, len(request.Photos))
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

// getImage streams one object store image back to the caller
func (a *API) getImage(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	key := mux.Vars(r)["key"]

	content, err := a.blob.Fetch(r.Context(), key)
	if err == blobstore.ErrNotFound {
		http.Error(w, "no such image", http.StatusNotFound)
		return
	}
	if err != nil {
		rlog.WithError(err).Errorf("Error 5330: cannot fetch image %s", key)
		http.Error(w, "Error 5330", http.StatusInternalServerError)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", imageContentType)
	if _, err := io.Copy(w, content); err != nil {
		// headers are gone at this point, just log
		rlog.WithError(err).Errorf("Error 5331: streaming image %s aborted", key)
	}
}

// uploadPhoto stores a photo for the authenticated user and records the
// upload, making the plant eligible for the read model.
func (a *API) uploadPhoto(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	userID, ok := access.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	plantID, err := strconv.ParseInt(r.FormValue("plant_id"), 10, 64)
	if err != nil {
		http.Error(w, "broken plant identifier", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is missing", http.StatusBadRequest)
		return
	}
	defer file.Close()

	key := BuildUploadKey(userID, plantID)
	if err := a.blob.Upload(r.Context(), key, file); err != nil {
		rlog.WithError(err).Errorf("Error 5340: cannot upload photo for user %d", userID)
		http.Error(w, "Error 5340", http.StatusInternalServerError)
		return
	}
	if err := a.store.RecordUpload(r.Context(), userID, plantID, time.Now().UTC()); err != nil {
		rlog.WithError(err).Errorf("Error 5341: cannot record upload for user %d", userID)
		http.Error(w, "Error 5341", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"s3_key": key})
}

// getUploadURL returns a pre-signed PUT URL for a direct client upload. The
// matching upload record is written once the bucket notification arrives.
func (a *API) getUploadURL(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	userID, ok := access.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	plantID, err := strconv.ParseInt(r.URL.Query().Get("plant_id"), 10, 64)
	if err != nil {
		http.Error(w, "broken plant identifier", http.StatusBadRequest)
		return
	}

	key := BuildUploadKey(userID, plantID)
	uploadURL, err := a.blob.GetPreSignedURL(blobstore.Put, key, presignExpiry)
	if err != nil {
		rlog.WithError(err).Errorf("Error 5342: cannot presign upload for user %d", userID)
		http.Error(w, "Error 5342", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"upload_url": uploadURL, "s3_key": key})
}
