package service

import (
	"encoding/json"
	"strings"

	"github.com/timmy/claimexport/internal/domain"
)

// Contact shapes differ between the claim's primary client and its additional contacts,
// so every normalized field accepts several source names.
var (
	primaryContactKeys   = []string{"contact", "primaryContact", "primary_contact", "client", "insured"}
	secondaryContactKeys = []string{"contacts", "additionalContacts", "additional_contacts", "secondaryContacts"}

	firstNameKeys = []string{"firstName", "first_name", "fname", "first"}
	lastNameKeys  = []string{"lastName", "last_name", "lname", "last"}
	fullNameKeys  = []string{"name", "fullName", "full_name", "displayName"}
	emailKeys     = []string{"email", "emailAddress", "email_address", "primaryEmail"}
	phoneKeys     = []string{"phone", "phoneNumber", "phone_number", "cellPhone", "cell_phone", "mobile", "homePhone", "home_phone", "workPhone", "work_phone"}
	addressKeys   = []string{"address", "mailingAddress", "mailing_address", "lossAddress", "loss_address"}
)

// extractContacts derives the normalized contact list from the full claim document:
// the primary contact first, then secondary contacts not already listed.
func extractContacts(claim object) []domain.Contact {
	var contacts []domain.Contact
	seen := make(map[string]struct{})

	add := func(c domain.Contact) {
		if key := contactKey(c); key != "" {
			if _, dup := seen[key]; dup {
				return
			}
			seen[key] = struct{}{}
		}
		contacts = append(contacts, c)
	}

	for _, k := range primaryContactKeys {
		if obj, ok := decodeObject(claim[k]); ok {
			add(normalizeContact(obj, true))
			break
		}
	}

	for _, k := range secondaryContactKeys {
		items, ok := decodeList(claim[k])
		if !ok {
			continue
		}
		for _, item := range items {
			obj, ok := decodeObject(item)
			if !ok {
				continue
			}
			c := normalizeContact(obj, false)
			if obj.truthy("isPrimary") || obj.truthy("primary") {
				c.IsPrimary = len(contacts) == 0
			}
			add(c)
		}
	}

	return contacts
}

func contactKey(c domain.Contact) string {
	if c.UUID != "" {
		return "uuid:" + c.UUID
	}
	if id := idText(c.ID); id != "" {
		return "id:" + id
	}
	return ""
}

// normalizeContact maps one platform contact object to domain.Contact.
func normalizeContact(obj object, primary bool) domain.Contact {
	c := domain.Contact{
		UUID:      obj.firstText("uuid", "contactUuid"),
		FirstName: obj.firstText(firstNameKeys...),
		LastName:  obj.firstText(lastNameKeys...),
		Email:     obj.firstText(emailKeys...),
		Phone:     obj.firstText(phoneKeys...),
		IsPrimary: primary,
	}
	if id := obj.firstRaw("id", "contactId", "contact_id"); id != nil {
		c.ID = id
	}

	if c.FirstName == "" && c.LastName == "" {
		if full := obj.firstText(fullNameKeys...); full != "" {
			parts := strings.Fields(full)
			c.FirstName = parts[0]
			c.LastName = strings.Join(parts[1:], " ")
		}
	}

	if c.Email == "" {
		c.Email = firstNested(obj["emails"], "email", "address", "value")
	}
	if c.Phone == "" {
		c.Phone = firstNested(obj["phones"], "number", "phone", "value")
	}

	if addr := obj.firstRaw(addressKeys...); addr != nil {
		c.Address = addr
	} else if line := composeAddress(obj); line != "" {
		c.Address, _ = json.Marshal(line)
	}

	return c
}

// firstNested reads the first element of a list that may hold strings or objects.
func firstNested(raw json.RawMessage, keys ...string) string {
	items, ok := decodeList(raw)
	if !ok || len(items) == 0 {
		return ""
	}
	if jsonKind(items[0]) == '"' {
		var s string
		_ = json.Unmarshal(items[0], &s)
		return strings.TrimSpace(s)
	}
	if obj, ok := decodeObject(items[0]); ok {
		return obj.firstText(keys...)
	}
	return ""
}

// composeAddress builds a single-line address from flattened street/city/state/zip members.
func composeAddress(obj object) string {
	street := obj.firstText("address1", "street", "street1", "line1")
	if street == "" {
		return ""
	}
	parts := []string{street}
	if s := obj.firstText("address2", "street2", "line2"); s != "" {
		parts = append(parts, s)
	}
	if s := obj.firstText("city"); s != "" {
		parts = append(parts, s)
	}
	region := strings.TrimSpace(obj.firstText("state", "province") + " " + obj.firstText("zip", "zipCode", "postalCode", "postal_code"))
	if region != "" {
		parts = append(parts, region)
	}
	return strings.Join(parts, ", ")
}
