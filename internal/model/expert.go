package model

import "time"

// Expert is a bookable person. Immutable after provisioning except for
// calendar credential rotation, which arrives via the credential-rotation
// event consumer.
type Expert struct {
	ID                   string
	Name                 string
	Role                 string
	Email                string
	CalendarRefreshToken string
	Timezone             string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
