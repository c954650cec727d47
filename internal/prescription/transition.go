package prescription

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidTransition is returned when a lifecycle command is refused
	ErrInvalidTransition = errors.New("invalid prescription transition")
	// ErrInvalidCommand is returned for commands missing required fields
	ErrInvalidCommand = errors.New("invalid prescription command")
	// ErrPatientNotFound is returned when the ledger has no asset for the patient
	ErrPatientNotFound = errors.New("patient not found")
	// ErrPrescriptionNotFound is returned when the asset has no such prescription
	ErrPrescriptionNotFound = errors.New("prescription not found")
	// ErrUnconfirmed means the write was accepted but could not yet be read back
	ErrUnconfirmed = errors.New("prescription change pending confirmation")
)

// Role is the kind of actor issuing a command.
type Role string

const (
	RoleDoctor     Role = "doctor"
	RolePharmacist Role = "pharmacist"
	RoleSystem     Role = "system"
)

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleDoctor, RolePharmacist, RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidCommand, s)
	}
}

// Actor identifies who issues a command
type Actor struct {
	ID   string
	Role Role
}

// Transition names a lifecycle command
type Transition string

const (
	TransitionCreate   Transition = "create"
	TransitionDispense Transition = "dispense"
	TransitionRevoke   Transition = "revoke"
	TransitionExpire   Transition = "expire"
)

// TransitionError describes a refused transition. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	Transition Transition
	From       Status
	Reason     string
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("%s: %s: %s", ErrInvalidTransition, e.Transition, e.Reason)
	}
	return fmt.Sprintf("%s: %s from %s: %s", ErrInvalidTransition, e.Transition, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CreateCommand issues a new prescription
type CreateCommand struct {
	Actor          Actor
	PatientID      string
	PatientName    string
	DateOfBirth    string
	MedicationName string
	Dosage         string
	Instructions   string
	ExpiryDate     time.Time
}

// DispenseCommand records a dispensation
type DispenseCommand struct {
	Actor          Actor
	PatientID      string
	PrescriptionID string
	Note           string
}

// RevokeCommand revokes a prescription
type RevokeCommand struct {
	Actor          Actor
	PatientID      string
	PrescriptionID string
	Reason         string
}

// ExpireCommand records that a prescription has expired
type ExpireCommand struct {
	Actor          Actor
	PatientID      string
	PrescriptionID string
}

func (c *CreateCommand) validate(now time.Time) error {
	var missing []string
	for name, v := range map[string]string{
		"patient_id":      c.PatientID,
		"patient_name":    c.PatientName,
		"medication_name": c.MedicationName,
		"dosage":          c.Dosage,
		"actor_id":        c.Actor.ID,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidCommand, strings.Join(missing, ", "))
	}
	if c.Actor.Role != RoleDoctor {
		return &TransitionError{Transition: TransitionCreate, Reason: "only a doctor may create a prescription"}
	}
	if !c.ExpiryDate.After(now) {
		return fmt.Errorf("%w: expiry date must be in the future", ErrInvalidCommand)
	}
	return nil
}

func requireTarget(actor Actor, patientID, rxID string) error {
	switch {
	case strings.TrimSpace(patientID) == "":
		return fmt.Errorf("%w: missing patient_id", ErrInvalidCommand)
	case strings.TrimSpace(rxID) == "":
		return fmt.Errorf("%w: missing prescription_id", ErrInvalidCommand)
	case strings.TrimSpace(actor.ID) == "":
		return fmt.Errorf("%w: missing actor_id", ErrInvalidCommand)
	}
	return nil
}

// guardDispense checks a dispensation against the current record.
func guardDispense(rx *PrescriptionRecord, cmd *DispenseCommand, now time.Time) error {
	if from := rx.EffectiveStatus(now); from != StatusActive {
		return &TransitionError{Transition: TransitionDispense, From: from, Reason: "prescription is no longer active"}
	}
	if cmd.Actor.Role != RolePharmacist {
		return &TransitionError{Transition: TransitionDispense, From: StatusActive, Reason: "only a pharmacist may dispense"}
	}
	if strings.TrimSpace(cmd.Note) == "" {
		return &TransitionError{Transition: TransitionDispense, From: StatusActive, Reason: "a dispensation note is required"}
	}
	return nil
}

func guardRevoke(rx *PrescriptionRecord, cmd *RevokeCommand, now time.Time) error {
	if from := rx.EffectiveStatus(now); from != StatusActive {
		return &TransitionError{Transition: TransitionRevoke, From: from, Reason: "prescription is no longer active"}
	}
	if cmd.Actor.Role != RoleDoctor || cmd.Actor.ID != rx.CreatedBy {
		return &TransitionError{Transition: TransitionRevoke, From: StatusActive, Reason: "only the prescribing doctor may revoke"}
	}
	return nil
}

// guardExpire looks at the stored status: an overdue Active record already
// reads as Expired, and recording that is exactly what Expire does.
func guardExpire(rx *PrescriptionRecord, now time.Time) error {
	if rx.Status != StatusActive {
		return &TransitionError{Transition: TransitionExpire, From: rx.Status, Reason: "prescription is no longer active"}
	}
	if !rx.Expired(now) {
		return &TransitionError{Transition: TransitionExpire, From: StatusActive, Reason: "expiry date has not passed"}
	}
	return nil
}
