// internal/model/contact.go
package model

import (
	"time"

	"github.com/lib/pq"
)

// Contact is unique per (org_id, phone) among rows with DeletedAt unset.
// OptedOutAt and DeletedAt only ever go from nil to set.
type Contact struct {
	ID                 string         `db:"id" json:"id"`
	OrgID              string         `db:"org_id" json:"org_id"`
	Phone              string         `db:"phone" json:"phone"`
	FirstName          *string        `db:"first_name" json:"first_name,omitempty"`
	LastName           *string        `db:"last_name" json:"last_name,omitempty"`
	Email              *string        `db:"email" json:"email,omitempty"`
	Category           pq.StringArray `db:"category" json:"category"`
	OptedOutAt         *time.Time     `db:"opted_out_at" json:"opted_out_at,omitempty"`
	DeletedAt          *time.Time     `db:"deleted_at" json:"deleted_at,omitempty"`
	OptOutNoticeSentAt *time.Time     `db:"opt_out_notice_sent_at" json:"opt_out_notice_sent_at,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// Active reports whether the contact may still be targeted.
func (c *Contact) Active() bool {
	return c.OptedOutAt == nil && c.DeletedAt == nil
}

// HasCategories reports whether the contact already carries every one of cats.
func (c *Contact) HasCategories(cats []string) bool {
	have := make(map[string]struct{}, len(c.Category))
	for _, cat := range c.Category {
		have[cat] = struct{}{}
	}
	for _, cat := range cats {
		if _, ok := have[cat]; !ok {
			return false
		}
	}
	return true
}

// ImportRow is a normalized contact candidate produced by the CSV importer.
type ImportRow struct {
	Line      int
	Phone     string
	FirstName *string
	LastName  *string
	Email     *string
}

