package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Edit states persisted by the store emulator
const (
	EditStateOpen      = "open"
	EditStateCommitted = "committed"
)

// ServiceAccount is an identity allowed to obtain access tokens from the emulator
type ServiceAccount struct {
	ClientEmail  string    `json:"client_email" gorm:"primaryKey"`
	ProjectID    string    `json:"project_id"`
	PublicKeyPEM string    `json:"-" gorm:"type:text;not null"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Edit is a draft scope on the store side
type Edit struct {
	ID          uuid.UUID  `json:"id" gorm:"primaryKey"`
	PackageName string     `json:"package_name" gorm:"index;not null"`
	OpenedBy    string     `json:"opened_by"`
	State       string     `json:"state" gorm:"not null;default:open"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CommittedAt *time.Time `json:"committed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BeforeCreate generates a UUID for the edit ID
func (e *Edit) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// StoredArtifact is an artifact uploaded into an edit
type StoredArtifact struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	EditID      uuid.UUID `json:"edit_id" gorm:"index;not null"`
	PackageName string    `json:"package_name" gorm:"index;not null"`
	Kind        string    `json:"kind" gorm:"not null"` // apk, bundle
	VersionCode int64     `json:"version_code" gorm:"index"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256" gorm:"index"`
	StoragePath string    `json:"-" gorm:"not null"`
	CreatedAt   time.Time `json:"created_at"`
}

// BeforeCreate generates a UUID for the artifact ID
func (a *StoredArtifact) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// TrackRecord is a release staged in an edit or live on a track
type TrackRecord struct {
	ID           uuid.UUID     `json:"id" gorm:"primaryKey"`
	EditID       uuid.UUID     `json:"edit_id" gorm:"index;not null"`
	PackageName  string        `json:"package_name" gorm:"index;not null"`
	Track        string        `json:"track" gorm:"not null"`
	Name         string        `json:"name"`
	VersionCodes []int64       `json:"version_codes" gorm:"serializer:json"`
	Status       string        `json:"status"`
	UserFraction float64       `json:"user_fraction"`
	ReleaseNotes []ReleaseNote `json:"release_notes" gorm:"serializer:json"`
	Live         bool          `json:"live" gorm:"default:false"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// BeforeCreate generates a UUID for the track record ID
func (t *TrackRecord) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// Release converts the record to its wire form
func (t *TrackRecord) Release() TrackRelease {
	return TrackRelease{
		Track:        t.Track,
		Name:         t.Name,
		VersionCodes: t.VersionCodes,
		Status:       t.Status,
		UserFraction: t.UserFraction,
		ReleaseNotes: t.ReleaseNotes,
	}
}

// AuthToken represents an access token issued to a service account
type AuthToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
