package test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/plantmate/garden/core/blobstore"
	"github.com/plantmate/garden/core/csql"
	"github.com/plantmate/garden/core/garden"
)

const testJwtSecret = "integration-test-secret"

// IntegrationTestSuite runs the garden backend against a containerized
// postgres and the local blob driver.
type IntegrationTestSuite struct {
	suite.Suite

	postgresContainer testcontainers.Container
	db                *csql.DB
	router            *mux.Router
	api               *garden.API
	blob              blobstore.Driver
	blobFolder        string
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.db = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB), postgresPassword, "garden")

	s.blobFolder, err = os.MkdirTemp("", "garden-blobs-")
	s.Require().NoError(err)
	s.blob, err = blobstore.NewLocalFilesystem(s.blobFolder, url.URL{Scheme: "http", Host: "localhost:3000"})
	s.Require().NoError(err)

	s.router = mux.NewRouter()
	s.api = garden.MustNewAPI(&garden.Builder{
		DB:        s.db,
		Router:    s.router,
		Blob:      s.blob,
		JwtSecret: testJwtSecret,
	})
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.db != nil {
		s.db.Close()
	}
	if s.blobFolder != "" {
		os.RemoveAll(s.blobFolder)
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
}

func (s *IntegrationTestSuite) SetupTest() {
	for _, table := range []string{"garden", "uploaded_photo", "plant"} {
		_, err := s.db.Exec(`DELETE FROM ` + s.db.Schema + `."` + table + `";`)
		s.Require().NoError(err)
	}
}

func (s *IntegrationTestSuite) token(userID int64) string {
	claims := jwt.RegisteredClaims{
		Subject:   fmt.Sprintf("%d", userID),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJwtSecret))
	s.Require().NoError(err)
	return tokenString
}

// do runs one request against the router. A non-empty token is sent as
// bearer credential, a non-nil body is JSON-encoded. The response body is
// decoded into response when it is non-nil and the status is 2xx.
func (s *IntegrationTestSuite) do(method, path, token string, body interface{}, response interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(jsonData)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if response != nil && rec.Code >= 200 && rec.Code < 300 {
		err := json.Unmarshal(rec.Body.Bytes(), response)
		s.Require().NoError(err, "cannot decode response %s", rec.Body.String())
	}
	return rec
}

func (s *IntegrationTestSuite) seedPlant(plantID int64, imageURL string) {
	err := s.api.Store().UpsertPlant(context.Background(), garden.Plant{PlantID: plantID, PixelImageURL: imageURL})
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) seedUpload(userID, plantID int64, uploadedAt time.Time) {
	err := s.api.Store().RecordUpload(context.Background(), userID, plantID, uploadedAt)
	s.Require().NoError(err)
}

// placements returns the user's stored placements as plant id to slot map,
// read through the legacy listing endpoint
func (s *IntegrationTestSuite) placements(userID int64) map[int64]int {
	var items []garden.PixelItem
	rec := s.do(http.MethodGet, fmt.Sprintf("/user/%d/photos", userID), "", nil, &items)
	s.Require().Equal(http.StatusOK, rec.Code)

	result := map[int64]int{}
	for _, item := range items {
		result[item.PixelID] = item.PlaceNum
	}
	return result
}
