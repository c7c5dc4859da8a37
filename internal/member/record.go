// Package member defines the typed member record exchanged between the
// upstream roster and the downstream profile store, plus the explicit
// tracked-field set that participates in fingerprinting, conflict
// resolution, and reverse change detection.
package member

import (
	"fmt"

	"github.com/quorumtools/rostersync/internal/canon"
)

// Contact is one entry in a member's ordered contact list.
// Order is semantically meaningful and preserved end to end.
type Contact struct {
	Type  string `yaml:"type" json:"type"`
	Value string `yaml:"value" json:"value"`
}

// RoleAssignment is one current role fact from the upstream roster.
// Role assignments feed the list reconciler, not the fingerprint cycle.
type RoleAssignment struct {
	Group string `yaml:"group" json:"group"`
	Role  string `yaml:"role" json:"role"`
	Since string `yaml:"since,omitempty" json:"since,omitempty"` // ISO date, empty if unknown
}

// Record is the canonical upstream snapshot of one member.
//
// MemberID is the stable external identity and is never the contact
// address (addresses are mutable). Optional fields are pointers so an
// explicitly-empty value stays distinguishable from an absent one.
type Record struct {
	MemberID  string          `yaml:"member_id" json:"member_id"`
	FirstName string          `yaml:"first_name" json:"first_name"`
	LastName  string          `yaml:"last_name" json:"last_name"`
	Email     *string         `yaml:"email,omitempty" json:"email,omitempty"`
	Phone     *string         `yaml:"phone,omitempty" json:"phone,omitempty"`
	Status    string          `yaml:"status,omitempty" json:"status,omitempty"`
	Contacts  []Contact       `yaml:"contacts,omitempty" json:"contacts,omitempty"`
	Roles     []RoleAssignment `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// Validate checks the minimum shape required to track a record.
// A record failing validation is skipped and counted, never fatal.
func (r *Record) Validate() error {
	if r.MemberID == "" {
		return fmt.Errorf("record missing member_id")
	}
	if r.FirstName == "" && r.LastName == "" {
		return fmt.Errorf("record %s missing name fields", r.MemberID)
	}
	return nil
}

// Payload builds the canonical payload limited to the tracked field set.
// Absent optional fields are omitted; explicitly-empty values serialize
// as empty strings. The distinction survives into the fingerprint.
func (r *Record) Payload(fields *FieldSet) canon.Object {
	obj := make(canon.Object, len(fields.Fields))
	for _, f := range fields.Fields {
		switch f {
		case FieldFirstName:
			obj[f] = canon.String(r.FirstName)
		case FieldLastName:
			obj[f] = canon.String(r.LastName)
		case FieldEmail:
			if r.Email != nil {
				obj[f] = canon.String(*r.Email)
			}
		case FieldPhone:
			if r.Phone != nil {
				obj[f] = canon.String(*r.Phone)
			}
		case FieldStatus:
			obj[f] = canon.String(r.Status)
		case FieldContacts:
			arr := make(canon.Array, len(r.Contacts))
			for i, c := range r.Contacts {
				arr[i] = canon.Object{
					"type":  canon.String(c.Type),
					"value": canon.String(c.Value),
				}
			}
			obj[f] = arr
		}
	}
	return obj
}

// Fingerprint computes the record's content fingerprint over the
// tracked field set.
func (r *Record) Fingerprint(fields *FieldSet) (string, error) {
	return canon.Fingerprint(r.MemberID, r.Payload(fields))
}

// FieldValues flattens the record into per-field string values for
// conflict resolution and mirror comparison. List-valued fields carry
// their canonical JSON so equality checks stay deterministic.
func (r *Record) FieldValues(fields *FieldSet) (map[string]string, error) {
	return flattenPayload(r.Payload(fields))
}

// FieldValuesFromPayload flattens a stored canonical payload (as
// persisted by the tracker) into per-field string values.
func FieldValuesFromPayload(payloadJSON string, fields *FieldSet) (map[string]string, error) {
	v, err := canon.Unmarshal([]byte(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("parse stored payload: %w", err)
	}
	obj, ok := v.(canon.Object)
	if !ok {
		return nil, fmt.Errorf("stored payload is not an object")
	}

	filtered := make(canon.Object, len(fields.Fields))
	for _, f := range fields.Fields {
		if fv, ok := obj[f]; ok {
			filtered[f] = fv
		}
	}
	return flattenPayload(filtered)
}

func flattenPayload(obj canon.Object) (map[string]string, error) {
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case canon.String:
			out[k] = string(val)
		case canon.Null:
			out[k] = ""
		default:
			data, err := canon.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("flatten field %q: %w", k, err)
			}
			out[k] = string(data)
		}
	}
	return out, nil
}
