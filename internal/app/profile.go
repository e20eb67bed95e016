package app

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"familytree/api/internal/store"
)

// Profile is the user-facing slice of an account document.
type Profile struct {
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	ProfilePhoto string    `json:"profile_photo,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func profileOf(user store.User) Profile {
	return Profile{
		Username:     user.Username,
		Email:        user.Email,
		Role:         user.Role,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		ProfilePhoto: user.ProfilePhotoDataURL,
		CreatedAt:    user.CreatedAt,
	}
}

func (s *Service) GetProfile(ctx context.Context, username string) (Profile, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return Profile{}, notFoundErrIfMissing(err, "User not found")
	}
	return profileOf(user), nil
}

type UpdateProfileInput struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

const maxProfileNameLen = 50

func validateProfileName(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", badRequestError(field + " cannot be empty")
	}
	if len(value) > maxProfileNameLen {
		return "", badRequestError(field + " too long (max 50 characters)")
	}
	return value, nil
}

// UpdateProfile applies a partial display-name update.
func (s *Service) UpdateProfile(ctx context.Context, username string, input UpdateProfileInput) (Profile, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return Profile{}, notFoundErrIfMissing(err, "User not found")
	}

	if input.FirstName != nil {
		name, err := validateProfileName("first_name", *input.FirstName)
		if err != nil {
			return Profile{}, err
		}
		user.FirstName = name
	}
	if input.LastName != nil {
		name, err := validateProfileName("last_name", *input.LastName)
		if err != nil {
			return Profile{}, err
		}
		user.LastName = name
	}

	if err := s.store.UpdateUser(ctx, user); err != nil {
		return Profile{}, err
	}
	return profileOf(user), nil
}

// Profile photos are stored inline on the user document as a data URL, so
// the size cap applies to the decoded image bytes.
const maxProfilePhotoBytes = 256 * 1024

var profilePhotoPrefixes = []string{
	"data:image/png;base64,",
	"data:image/jpeg;base64,",
	"data:image/jpg;base64,",
}

// SetProfilePhoto validates and stores a base64 data URL photo. Only PNG
// and JPEG are accepted.
func (s *Service) SetProfilePhoto(ctx context.Context, username, dataURL string) (Profile, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return Profile{}, notFoundErrIfMissing(err, "User not found")
	}

	dataURL = strings.TrimSpace(dataURL)
	var encoded string
	for _, prefix := range profilePhotoPrefixes {
		if strings.HasPrefix(dataURL, prefix) {
			encoded = strings.TrimPrefix(dataURL, prefix)
			break
		}
	}
	if encoded == "" {
		return Profile{}, badRequestError("Photo must be a PNG or JPEG data URL")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Profile{}, badRequestError("Invalid base64 image data")
	}
	if len(decoded) > maxProfilePhotoBytes {
		return Profile{}, badRequestError("Image too large (max 256KB)")
	}

	user.ProfilePhotoDataURL = dataURL
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return Profile{}, err
	}
	return profileOf(user), nil
}
