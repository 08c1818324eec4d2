package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient is a live practice-management patient. LegacyCode links back to the
// R4 patient code when this record originated from an import.
type Patient struct {
	ID         uuid.UUID  `json:"id"`
	Title      string     `json:"title,omitempty"`
	Forename   string     `json:"forename"`
	Surname    string     `json:"surname"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
	Postcode   string     `json:"postcode,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Email      string     `json:"email,omitempty"`
	LegacyCode *string    `json:"legacy_code,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

func (p *Patient) Deleted() bool { return p.DeletedAt != nil }
