// Package queue implements the Message Model & Queue Adapter (spec §4.A):
// a typed extract request and a priority-aware broker adapter exposing
// two logical queues, primary and secondary.
package queue

import (
	"fmt"
	"time"

	"github.com/pixl-imaging/pixl-core/cmn"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// Priority follows spec §3: 1 is lowest, 5 is highest.
type Priority uint8

const (
	PriorityLowest  Priority = 1
	PriorityHighest Priority = 5
)

func (p Priority) Valid() bool { return p >= PriorityLowest && p <= PriorityHighest }

// ExtractRequest is the message payload of spec §3. (MRN, Accession)
// uniquely identifies a study/report pair; StudyUID, when present,
// takes precedence for matching.
type ExtractRequest struct {
	MessageID       string    `json:"message_id"`
	MRN             string    `json:"mrn"`
	Accession       string    `json:"accession"`
	StudyUID        string    `json:"study_uid,omitempty"`
	StudyDateTime   time.Time `json:"study_datetime"`
	Project         string    `json:"project"`
	ExtractDateTime time.Time `json:"extract_datetime"`
	Priority        Priority  `json:"priority"`
}

// NewExtractRequest stamps a fresh MessageID (§ supplemented — used for
// log correlation per §7) onto a caller-built request.
func NewExtractRequest(mrn, accession, studyUID, project string, studyDT, extractDT time.Time, priority Priority) ExtractRequest {
	return ExtractRequest{
		MessageID:       cmn.GenMessageID(),
		MRN:             mrn,
		Accession:       accession,
		StudyUID:        studyUID,
		StudyDateTime:   studyDT,
		Project:         project,
		ExtractDateTime: extractDT,
		Priority:        priority,
	}
}

// Validate checks the structural invariants of spec §3.
func (r ExtractRequest) Validate() error {
	if r.MRN == "" || r.Accession == "" {
		return cmn.WithKind(cmn.KindConfigInvalid, fmt.Errorf("extract request missing MRN/accession"))
	}
	if r.Project == "" {
		return cmn.WithKind(cmn.KindConfigInvalid, fmt.Errorf("extract request missing project"))
	}
	if !r.Priority.Valid() {
		return cmn.WithKind(cmn.KindConfigInvalid, fmt.Errorf("priority %d out of range [1,5]", r.Priority))
	}
	return nil
}

// MatchKey returns the identity spec §3 dedupe keys off of: StudyUID
// when present, else (MRN, Accession).
func (r ExtractRequest) MatchKey() string {
	if r.StudyUID != "" {
		return r.StudyUID
	}
	return r.MRN + "|" + r.Accession
}

// MarshalMsg implements msgp.Marshaler by hand (no generated *_gen.go),
// following the same field-by-field approach tinylib/msgp's generator
// produces, so the broker envelope (§4.A) has a compact binary wire
// format alongside the JSON form used by tooling.
func (r *ExtractRequest) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 8)
	b = msgp.AppendString(b, "message_id")
	b = msgp.AppendString(b, r.MessageID)
	b = msgp.AppendString(b, "mrn")
	b = msgp.AppendString(b, r.MRN)
	b = msgp.AppendString(b, "accession")
	b = msgp.AppendString(b, r.Accession)
	b = msgp.AppendString(b, "study_uid")
	b = msgp.AppendString(b, r.StudyUID)
	b = msgp.AppendString(b, "study_datetime")
	b = msgp.AppendTime(b, r.StudyDateTime)
	b = msgp.AppendString(b, "project")
	b = msgp.AppendString(b, r.Project)
	b = msgp.AppendString(b, "extract_datetime")
	b = msgp.AppendTime(b, r.ExtractDateTime)
	b = msgp.AppendString(b, "priority")
	b = msgp.AppendUint8(b, uint8(r.Priority))
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler, the inverse of MarshalMsg.
func (r *ExtractRequest) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, errors.Wrap(err, "read map header")
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, errors.Wrap(err, "read field key")
		}
		switch key {
		case "message_id":
			r.MessageID, b, err = msgp.ReadStringBytes(b)
		case "mrn":
			r.MRN, b, err = msgp.ReadStringBytes(b)
		case "accession":
			r.Accession, b, err = msgp.ReadStringBytes(b)
		case "study_uid":
			r.StudyUID, b, err = msgp.ReadStringBytes(b)
		case "study_datetime":
			r.StudyDateTime, b, err = msgp.ReadTimeBytes(b)
		case "project":
			r.Project, b, err = msgp.ReadStringBytes(b)
		case "extract_datetime":
			r.ExtractDateTime, b, err = msgp.ReadTimeBytes(b)
		case "priority":
			var p uint8
			p, b, err = msgp.ReadUint8Bytes(b)
			r.Priority = Priority(p)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, errors.Wrapf(err, "read field %q", key)
		}
	}
	return b, nil
}
