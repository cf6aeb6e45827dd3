package garden

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BuildUploadKey returns a fresh object store key for a photo upload of the
// given user and plant. The key encodes both identifiers so that bucket
// notifications for finished uploads can be attributed, see ParseUploadKey.
func BuildUploadKey(userID, plantID int64) string {
	return fmt.Sprintf("photos/%d/%d/%s.png", userID, plantID, uuid.New().String())
}

// ParseUploadKey extracts user and plant from an upload key. Keys that do
// not match the photos/{user}/{plant}/... scheme return ok == false and are
// to be ignored by the caller.
func ParseUploadKey(key string) (userID, plantID int64, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "photos" {
		return 0, 0, false
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	plantID, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return userID, plantID, true
}
