package models

// User is the local projection of an account issued by the auth collaborator.
// Registration and anonymous-ID issuance happen elsewhere; this service only
// reads the role flags and maintains the no-show counter.
type User struct {
	BaseModel
	AnonymousID       string `gorm:"uniqueIndex;size:32" json:"anonymous_id"`
	IsTherapist       bool   `gorm:"index" json:"is_therapist"`
	TherapistVerified bool   `json:"therapist_verified"`
	IsAdmin           bool   `json:"is_admin"`
	NoShowCount       int    `gorm:"not null;default:0" json:"no_show_count"`
}

// CanTakeBookings reports whether the user may be booked as a therapist.
func (u *User) CanTakeBookings() bool {
	return u.IsTherapist && u.TherapistVerified
}
