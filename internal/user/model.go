package user

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/types"
)

const (
	defaultName           = "New User"
	defaultGender         = "Male"
	defaultBloodGroup     = "O+"
	defaultSpecialization = "General Physician"
	defaultHospital       = "HealthNexus Clinic"

	qrPrefix   = "DOC-"
	qrAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	qrLength   = 6
)

// User is a patient or doctor account
type User struct {
	ID              types.ID       `json:"id"`
	Phone           string         `json:"phone"`
	PhoneNormalized string         `json:"phone_normalized"`
	Role            string         `json:"role"`
	Name            string         `json:"name"`
	Email           string         `json:"email"`
	DOB             string         `json:"dob"`
	Gender          string         `json:"gender"`
	BloodGroup      string         `json:"blood_group"`
	Height          string         `json:"height"`
	Weight          string         `json:"weight"`
	MaritalStatus   string         `json:"marital_status"`
	AddressCity     string         `json:"address_city"`
	AddressState    string         `json:"address_state"`
	Specialization  string         `json:"specialization,omitempty"`
	HospitalName    string         `json:"hospital_name,omitempty"`
	DoctorQRID      string         `json:"doctor_qr_id,omitempty"`
	ProfilePhoto    string         `json:"profile_photo"`
	MedicalHistory  MedicalHistory `json:"medical_history"`
	Lifestyle       Lifestyle      `json:"lifestyle"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MedicalHistory is stored as JSONB
type MedicalHistory struct {
	Allergies          []string `json:"allergies"`
	ChronicDiseases    []string `json:"chronic_diseases"`
	CurrentMedications []string `json:"current_medications,omitempty"`
	PastSurgeries      []string `json:"past_surgeries,omitempty"`
	FamilyHistory      []string `json:"family_history,omitempty"`
}

// Lifestyle is stored as JSONB
type Lifestyle struct {
	Smoking        string `json:"smoking"`
	Alcohol        string `json:"alcohol"`
	ActivityLevel  string `json:"activity_level"`
	FoodPreference string `json:"food_preference"`
	Occupation     string `json:"occupation"`
}

func (u *User) IsDoctor() bool {
	return u.Role == auth.RoleDoctor
}

// PublicCard is what patients see about a doctor
type PublicCard struct {
	ID             types.ID `json:"id"`
	Name           string   `json:"name"`
	Specialization string   `json:"specialization"`
	HospitalName   string   `json:"hospital_name"`
	Phone          string   `json:"phone"`
	DoctorQRID     string   `json:"doctor_qr_id"`
	ProfilePhoto   string   `json:"profile_photo"`
}

func (u *User) PublicCard() PublicCard {
	return PublicCard{
		ID:             u.ID,
		Name:           u.Name,
		Specialization: u.Specialization,
		HospitalName:   u.HospitalName,
		Phone:          u.Phone,
		DoctorQRID:     u.DoctorQRID,
		ProfilePhoto:   u.ProfilePhoto,
	}
}

// Summary is what doctors and family members see in patient lists
type Summary struct {
	ID             types.ID       `json:"id"`
	Name           string         `json:"name"`
	Phone          string         `json:"phone"`
	DOB            string         `json:"dob"`
	Gender         string         `json:"gender"`
	BloodGroup     string         `json:"blood_group"`
	ProfilePhoto   string         `json:"profile_photo"`
	MedicalHistory MedicalHistory `json:"medical_history"`
	Lifestyle      Lifestyle      `json:"lifestyle"`
}

func (u *User) Summary() Summary {
	return Summary{
		ID:             u.ID,
		Name:           u.Name,
		Phone:          u.Phone,
		DOB:            u.DOB,
		Gender:         u.Gender,
		BloodGroup:     u.BloodGroup,
		ProfilePhoto:   u.ProfilePhoto,
		MedicalHistory: u.MedicalHistory,
		Lifestyle:      u.Lifestyle,
	}
}

// Age derives whole years from DOB; zero when DOB is missing or malformed.
func (u *User) Age(now time.Time) int {
	dob, err := time.Parse("2006-01-02", u.DOB)
	if err != nil {
		return 0
	}
	age := now.Year() - dob.Year()
	if now.YearDay() < dob.YearDay() {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// DOBFromAge returns the date age years before now as YYYY-MM-DD
func DOBFromAge(age int, now time.Time) string {
	return now.AddDate(-age, 0, 0).Format("2006-01-02")
}

// NewQRID generates a doctor QR id such as DOC-7K2Q9A
func NewQRID() (string, error) {
	var b strings.Builder
	b.WriteString(qrPrefix)
	max := big.NewInt(int64(len(qrAlphabet)))
	for i := 0; i < qrLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(qrAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeQRID canonicalizes a scanned or typed QR id for lookup
func NormalizeQRID(qr string) string {
	return strings.ToUpper(strings.TrimSpace(qr))
}

// PersonalUpdate holds the whitelisted personal fields; nil means unchanged.
type PersonalUpdate struct {
	Name           *string `json:"name"`
	Phone          *string `json:"phone"`
	Email          *string `json:"email"`
	DOB            *string `json:"dob"`
	Gender         *string `json:"gender"`
	BloodGroup     *string `json:"blood_group"`
	Height         *string `json:"height"`
	Weight         *string `json:"weight"`
	MaritalStatus  *string `json:"marital_status"`
	AddressCity    *string `json:"address_city"`
	AddressState   *string `json:"address_state"`
	Specialization *string `json:"specialization"`
	HospitalName   *string `json:"hospital_name"`
	ProfilePhoto   *string `json:"profile_photo"`
}

// Apply copies the set fields onto u. A phone change recomputes phone_normalized.
func (p PersonalUpdate) Apply(u *User) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&u.Name, p.Name)
	set(&u.Email, p.Email)
	set(&u.DOB, p.DOB)
	set(&u.Gender, p.Gender)
	set(&u.BloodGroup, p.BloodGroup)
	set(&u.Height, p.Height)
	set(&u.Weight, p.Weight)
	set(&u.MaritalStatus, p.MaritalStatus)
	set(&u.AddressCity, p.AddressCity)
	set(&u.AddressState, p.AddressState)
	set(&u.ProfilePhoto, p.ProfilePhoto)
	if u.IsDoctor() {
		set(&u.Specialization, p.Specialization)
		set(&u.HospitalName, p.HospitalName)
	}
	if p.Phone != nil && strings.TrimSpace(*p.Phone) != "" {
		u.Phone = strings.TrimSpace(*p.Phone)
		u.PhoneNormalized = types.NormalizePhone(u.Phone)
	}
}

// phoneStale reports a phone_normalized that is missing, out of date, or was
// written as the literal "undefined" by an older client.
func (u *User) phoneStale() bool {
	return u.PhoneNormalized != types.NormalizePhone(u.Phone)
}
