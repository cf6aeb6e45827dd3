package test

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/suite"

	"github.com/plantmate/garden/core/garden"
)

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration suite in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}

type savePlacementsBody struct {
	Photos []garden.PlacementItem `json:"photos"`
}

func (s *IntegrationTestSuite) TestSavePlacementsExample() {
	// plant 7 previously placed at slot 2
	rec := s.do(http.MethodPost, "/api/save_placements", s.token(42), savePlacementsBody{
		Photos: []garden.PlacementItem{{PlantID: 7, PlaceNum: 2}},
	}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/api/save_placements", s.token(42), savePlacementsBody{
		Photos: []garden.PlacementItem{
			{PlantID: 5, PlaceNum: 3},
			{PlantID: 7, PlaceNum: 0},
		},
	}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	s.Assert().Equal(map[int64]int{5: 3}, s.placements(42))
}

func (s *IntegrationTestSuite) TestSavePlacementsIsIdempotent() {
	submission := savePlacementsBody{
		Photos: []garden.PlacementItem{
			{PlantID: 1, PlaceNum: 4},
			{PlantID: 2, PlaceNum: 1},
			{PlantID: 3, PlaceNum: 0}, // never placed, clearing is a no-op
		},
	}

	rec := s.do(http.MethodPost, "/api/save_placements", s.token(42), submission, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	first := s.placements(42)

	rec = s.do(http.MethodPost, "/api/save_placements", s.token(42), submission, nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	s.Assert().Equal(first, s.placements(42))
	s.Assert().Equal(map[int64]int{1: 4, 2: 1}, first)
}

func (s *IntegrationTestSuite) TestClearingAbsentPlacementIsNoop() {
	rec := s.do(http.MethodPost, "/api/save_placements", s.token(42), savePlacementsBody{
		Photos: []garden.PlacementItem{{PlantID: 11, PlaceNum: 0}},
	}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Assert().Empty(s.placements(42))
}

func (s *IntegrationTestSuite) TestSavePlacementsLeavesOtherUsersAlone() {
	rec := s.do(http.MethodPost, "/api/save_placements", s.token(7), savePlacementsBody{
		Photos: []garden.PlacementItem{{PlantID: 1, PlaceNum: 9}},
	}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/api/save_placements", s.token(42), savePlacementsBody{
		Photos: []garden.PlacementItem{{PlantID: 1, PlaceNum: 0}},
	}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	s.Assert().Equal(map[int64]int{1: 9}, s.placements(7))
}

func (s *IntegrationTestSuite) TestSavePlacementsRollsBackAtomically() {
	rec := s.do(http.MethodPost, "/api/save_placements", s.token(42), savePlacementsBody{
		Photos: []garden.PlacementItem{{PlantID: 1, PlaceNum: 1}},
	}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	// the second item overflows the integer slot column and fails the batch
	rec = s.do(http.MethodPost, "/api/save_placements", s.token(42), savePlacementsBody{
		Photos: []garden.PlacementItem{
			{PlantID: 1, PlaceNum: 5},
			{PlantID: 2, PlaceNum: 2147483648},
		},
	}, nil)
	s.Require().Equal(http.StatusInternalServerError, rec.Code)
	s.Assert().Contains(rec.Body.String(), "save placements failed")

	// item 1 of the failed batch must not be visible
	s.Assert().Equal(map[int64]int{1: 1}, s.placements(42))
}

func (s *IntegrationTestSuite) TestReadModelOrderingAndFilter() {
	now := time.Now().UTC()
	s.seedPlant(1, "https://bucket.s3.amazonaws.com/common_photos/plant_01.png")
	s.seedPlant(2, "   ") // blank image reference, invisible
	s.seedPlant(3, "https://bucket.s3.amazonaws.com/common_photos/plant_03.png")
	s.seedPlant(4, "https://bucket.s3.amazonaws.com/common_photos/plant_04.png")

	s.seedUpload(42, 1, now.Add(-2*time.Hour))
	s.seedUpload(42, 1, now) // latest upload wins, still one row
	s.seedUpload(42, 2, now)
	s.seedUpload(42, 3, now)
	s.seedUpload(42, 4, now)
	s.seedUpload(42, 99, now) // no catalog entry, invisible

	rec := s.do(http.MethodPost, "/api/save_placements", s.token(42), savePlacementsBody{
		Photos: []garden.PlacementItem{
			{PlantID: 3, PlaceNum: 7},
			{PlantID: 4, PlaceNum: 2},
		},
	}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	var photos []struct {
		PlantID  int64  `json:"plant_id"`
		UserID   int64  `json:"user_id"`
		PlaceNum int    `json:"placenum"`
		S3Key    string `json:"s3_key"`
		ImageURL string `json:"image_url"`
	}
	rec = s.do(http.MethodGet, "/api/s3photos", s.token(42), nil, &photos)
	s.Require().Equal(http.StatusOK, rec.Code)

	s.Require().Len(photos, 3)
	// placed plants first, slot descending, then unplaced by plant id
	s.Assert().Equal(int64(3), photos[0].PlantID)
	s.Assert().Equal(7, photos[0].PlaceNum)
	s.Assert().Equal(int64(4), photos[1].PlantID)
	s.Assert().Equal(2, photos[1].PlaceNum)
	s.Assert().Equal(int64(1), photos[2].PlantID)
	s.Assert().Equal(0, photos[2].PlaceNum)

	for _, photo := range photos {
		s.Assert().Equal(int64(42), photo.UserID)
		s.Assert().Empty(photo.S3Key)
		s.Assert().NotEmpty(photo.ImageURL)
	}
}

func (s *IntegrationTestSuite) TestReadModelReactShape() {
	now := time.Now().UTC()
	s.seedPlant(1, "https://bucket.s3.amazonaws.com/common_photos/plant_01.png")
	s.seedPlant(2, "not a parseable url") // non-blank, stays visible
	s.seedUpload(42, 1, now)
	s.seedUpload(42, 2, now)

	var photos []struct {
		PlantID  int64  `json:"plant_id"`
		PlaceNum int    `json:"placenum"`
		ImageKey string `json:"image_key"`
	}
	rec := s.do(http.MethodGet, "/api/s3photos_for_react", s.token(42), nil, &photos)
	s.Require().Equal(http.StatusOK, rec.Code)

	s.Require().Len(photos, 2)
	s.Assert().Equal("common_photos/plant_01.png", photos[0].ImageKey)
	// malformed reference degrades to an empty key, the row is still emitted
	s.Assert().Equal(int64(2), photos[1].PlantID)
	s.Assert().Empty(photos[1].ImageKey)
}

func (s *IntegrationTestSuite) TestLegacyPutAndListPlacements() {
	rec := s.do(http.MethodPut, "/user/42/photos/5", "", garden.PixelItem{PixelID: 5, PlaceNum: 4}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Assert().Equal(map[int64]int{5: 4}, s.placements(42))

	// identifier mismatch between path and body
	rec = s.do(http.MethodPut, "/user/42/photos/5", "", garden.PixelItem{PixelID: 6, PlaceNum: 4}, nil)
	s.Require().Equal(http.StatusBadRequest, rec.Code)

	// a zero slot clears the placement
	rec = s.do(http.MethodPut, "/user/42/photos/5", "", garden.PixelItem{PixelID: 5, PlaceNum: 0}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Assert().Empty(s.placements(42))
}

func (s *IntegrationTestSuite) TestUploadPhotoAppearsInGarden() {
	s.seedPlant(9, "https://bucket.s3.amazonaws.com/common_photos/plant_09.png")

	data := []byte{0x89, 'P', 'N', 'G', 5, 6, 7}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	err := writer.WriteField("plant_id", "9")
	s.Require().NoError(err)
	part, err := writer.CreateFormFile("file", "plant.png")
	s.Require().NoError(err)
	_, err = part.Write(data)
	s.Require().NoError(err)
	s.Require().NoError(writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload_photo", &body)
	req.Header.Set("Authorization", "Bearer "+s.token(42))
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	s.Require().Equal(http.StatusCreated, rec.Code)

	var uploadResponse struct {
		S3Key string `json:"s3_key"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &uploadResponse))
	s.Require().True(strings.HasPrefix(uploadResponse.S3Key, "photos/42/9/"), uploadResponse.S3Key)

	// the upload makes the plant visible in the read model
	var photos []struct {
		PlantID int64 `json:"plant_id"`
	}
	rec2 := s.do(http.MethodGet, "/api/s3photos_for_react", s.token(42), nil, &photos)
	s.Require().Equal(http.StatusOK, rec2.Code)
	s.Require().Len(photos, 1)
	s.Assert().Equal(int64(9), photos[0].PlantID)

	// and the stored bytes stream back through the image proxy
	rec3 := httptest.NewRecorder()
	req3 := httptest.NewRequest(http.MethodGet, "/images/"+uploadResponse.S3Key, nil)
	s.router.ServeHTTP(rec3, req3)
	s.Require().Equal(http.StatusOK, rec3.Code)
	s.Assert().Equal("image/png", rec3.Header().Get("Content-Type"))
	content, err := io.ReadAll(rec3.Body)
	s.Require().NoError(err)
	s.Assert().Equal(data, content)
}

func (s *IntegrationTestSuite) TestPresignedImageURLs() {
	// a second API on the same database with presigning enabled
	router := mux.NewRouter()
	garden.MustNewAPI(&garden.Builder{
		DB:            s.db,
		Router:        router,
		Blob:          s.blob,
		JwtSecret:     testJwtSecret,
		PresignImages: true,
	})

	now := time.Now().UTC()
	s.seedPlant(1, "https://bucket.s3.amazonaws.com/common_photos/plant_01.png")
	s.seedPlant(2, "not a parseable url") // cannot be presigned, skipped
	s.seedUpload(42, 1, now)
	s.seedUpload(42, 2, now)

	req := httptest.NewRequest(http.MethodGet, "/api/s3photos", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(42))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	s.Require().Equal(http.StatusOK, rec.Code)

	var photos []struct {
		PlantID  int64  `json:"plant_id"`
		ImageURL string `json:"image_url"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &photos))
	s.Require().Len(photos, 1)
	s.Assert().Equal(int64(1), photos[0].PlantID)

	signed, err := url.Parse(photos[0].ImageURL)
	s.Require().NoError(err)
	s.Assert().Equal("/images/common_photos/plant_01.png", signed.Path)
	s.Assert().Equal("3600", signed.Query().Get("expiry"))
}
