package authsdk

import (
	"time"

	"github.com/aussiebroadwan/sunga/pkg/jwtx"
)

// Role is the account role. It is shared with the token codec so a role
// read from a profile and one read from a token compare equal.
type Role = jwtx.Role

const (
	RolePatient = jwtx.RolePatient
	RoleDoctor  = jwtx.RoleDoctor
	RoleAdmin   = jwtx.RoleAdmin
)

// ============================================================================
// Credential Exchange
// ============================================================================

// LoginResponse is returned by POST /login. Either the token pair is set, or
// RequireTOTP is true and UserID names the account awaiting a second factor.
type LoginResponse struct {
	// AccessToken is the short lived bearer token
	AccessToken string `json:"access_token,omitempty"`

	// RefreshToken is exchanged at /refresh for a new pair
	RefreshToken string `json:"refresh_token,omitempty"`

	// TokenType is always "bearer" when tokens are present
	TokenType string `json:"token_type,omitempty"`

	// RequireTOTP is set when the account has a second factor enabled
	RequireTOTP bool `json:"require_totp"`

	// UserID identifies the pending challenge when RequireTOTP is set
	UserID *int64 `json:"user_id,omitempty"`
}

// TokenResponse is the token pair returned by /login/verify-totp, /refresh
// and /register.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
}

// complete reports whether both halves of the pair are present.
func (t *TokenResponse) complete() bool {
	return t != nil && t.AccessToken != "" && t.RefreshToken != ""
}

// VerifyTOTPRequest is the JSON body of POST /login/verify-totp.
type VerifyTOTPRequest struct {
	TOTPCode string `json:"totp_code" validate:"required,len=6,numeric"`
}

// RegisterRequest is the JSON body of POST /register. Role is always sent
// as patient, other roles are provisioned by an admin.
type RegisterRequest struct {
	Username    string     `json:"username" validate:"required,min=3,max=64"`
	Password    string     `json:"password" validate:"required,min=8"`
	Email       string     `json:"email" validate:"required,email"`
	FirstName   string     `json:"first_name" validate:"required"`
	LastName    string     `json:"last_name" validate:"required"`
	PhoneNumber string     `json:"phone_number" validate:"required,phone10"`
	BloodGroup  string     `json:"blood_group" validate:"required,bloodgroup"`
	Role        Role       `json:"role"`
	Aadhar      *string    `json:"aadhar,omitempty" validate:"omitempty,aadhar"`
	Allergies   *string    `json:"allergies,omitempty"`
	DoctorName  *string    `json:"doctor_name,omitempty"`
	VisitDate   *time.Time `json:"visit_date,omitempty"`
}

// ============================================================================
// Profile
// ============================================================================

// UserProfile is returned by GET /me and cached under the "user" key.
type UserProfile struct {
	ID          int64   `json:"id"`
	Role        Role    `json:"role"`
	Username    string  `json:"username,omitempty"`
	Email       string  `json:"email,omitempty"`
	FirstName   string  `json:"first_name,omitempty"`
	LastName    string  `json:"last_name,omitempty"`
	PhoneNumber string  `json:"phone_number,omitempty"`
	BloodGroup  string  `json:"blood_group,omitempty"`
	Aadhar      *string `json:"aadhar,omitempty"`
	Allergies   *string `json:"allergies,omitempty"`
	DoctorName  *string `json:"doctor_name,omitempty"`

	// VisitDate is the last recorded visit, if any
	VisitDate *time.Time `json:"visit_date,omitempty"`

	// TOTPEnabled is true once the second factor has been enrolled
	TOTPEnabled bool `json:"totp_enabled"`

	/* Doctor accounts only */

	Specialization               *string  `json:"specialization,omitempty"`
	MedicalLicenseNumber         *string  `json:"medical_license_number,omitempty"`
	HospitalAffiliation          *string  `json:"hospital_affiliation,omitempty"`
	YearsOfExperience            *int     `json:"years_of_experience,omitempty"`
	ResumeVerificationStatus     *bool    `json:"resume_verification_status,omitempty"`
	ResumeVerificationConfidence *float64 `json:"resume_verification_confidence,omitempty"`
	DoctorID                     *int64   `json:"doctor_id,omitempty"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// DisplayName is "First Last", falling back to the username.
func (p *UserProfile) DisplayName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.Username
	}
}

// clone copies the struct. Optional fields are never mutated after decode
// so the copy may share them.
func (p *UserProfile) clone() *UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// ============================================================================
// Results
// ============================================================================

// LoginResult is the outcome of Login, VerifySecondFactor and Register.
// Exactly one of Success, RequireSecondFactor or Error is meaningful.
type LoginResult struct {
	// Success is true once the session is Authenticated
	Success bool

	// RequireSecondFactor is true when a TOTP code must be supplied for UserID
	RequireSecondFactor bool

	// UserID is the pending challenge id when RequireSecondFactor is set
	UserID int64

	// Error is a short message safe to show to the user
	Error string

	// Err is the typed cause behind Error, for errors.As
	Err error
}

func failed(err error) LoginResult {
	return LoginResult{Error: UserMessage(err), Err: err}
}
