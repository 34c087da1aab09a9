package merge

import (
	"strconv"
	"strings"

	"github.com/participant-hub/identity/internal/models"
)

// Mergeable fields, in the order conflicts are reported.
const (
	FieldFullName    = "full_name"
	FieldTgFirstName = "tg_first_name"
	FieldTgLastName  = "tg_last_name"
	FieldUsername    = "username"
	FieldTgUserID    = "tg_user_id"
	FieldEmail       = "email"
	FieldPhone       = "phone"
	FieldBio         = "bio"
)

type stringField struct {
	name     string
	ptr      func(p *models.Participant) **string
	foldCase bool
}

var stringFields = []stringField{
	{name: FieldFullName, ptr: func(p *models.Participant) **string { return &p.FullName }},
	{name: FieldTgFirstName, ptr: func(p *models.Participant) **string { return &p.TgFirstName }},
	{name: FieldTgLastName, ptr: func(p *models.Participant) **string { return &p.TgLastName }},
	{name: FieldUsername, ptr: func(p *models.Participant) **string { return &p.Username }, foldCase: true},
	{name: FieldEmail, ptr: func(p *models.Participant) **string { return &p.Email }, foldCase: true},
	{name: FieldPhone, ptr: func(p *models.Participant) **string { return &p.Phone }},
	{name: FieldBio, ptr: func(p *models.Participant) **string { return &p.Bio }},
}

// MergeFields folds dup into target. An empty target field adopts the
// duplicate's value; two different non-empty values keep the target's and
// produce a conflict. dup is never modified.
func MergeFields(target, dup *models.Participant) (conflicts []models.FieldConflict, changed []string) {
	for _, f := range stringFields {
		tv, dv := f.ptr(target), f.ptr(dup)
		if isBlank(*dv) {
			continue
		}
		if isBlank(*tv) {
			v := strings.TrimSpace(**dv)
			*tv = &v
			changed = append(changed, f.name)
			continue
		}
		if !sameValue(**tv, **dv, f.foldCase) {
			conflicts = append(conflicts, models.FieldConflict{
				Field:          f.name,
				KeptValue:      **tv,
				DiscardedValue: **dv,
			})
		}
	}

	switch {
	case dup.TgUserID == nil:
	case target.TgUserID == nil:
		v := *dup.TgUserID
		target.TgUserID = &v
		changed = append(changed, FieldTgUserID)
	case *target.TgUserID != *dup.TgUserID:
		conflicts = append(conflicts, models.FieldConflict{
			Field:          FieldTgUserID,
			KeptValue:      strconv.FormatInt(*target.TgUserID, 10),
			DiscardedValue: strconv.FormatInt(*dup.TgUserID, 10),
		})
	}

	if dup.LastActivityAt != nil && (target.LastActivityAt == nil || dup.LastActivityAt.After(*target.LastActivityAt)) {
		t := *dup.LastActivityAt
		target.LastActivityAt = &t
	}
	return conflicts, changed
}

var _ models.FieldMerger = MergeFields

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func sameValue(a, b string, foldCase bool) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if foldCase {
		return strings.EqualFold(a, b)
	}
	return a == b
}
