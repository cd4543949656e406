package dicomsrc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// Well-known UIDs this client negotiates. No third-party DIMSE network
// stack exists in the retrieved corpus (suyashkumar/dicom parses file
// streams, not association traffic), so the upper-layer PDU framing
// below is hand-written against PS3.8; dataset encode/decode is
// delegated to dicom.Dataset wherever a command carries one.
const (
	applicationContextUID   = "1.2.840.10008.3.1.1.1"
	verificationSOPClassUID = "1.2.840.10008.1.1"
	studyRootFindUID        = "1.2.840.10008.5.1.4.1.2.2.1"
	studyRootMoveUID        = "1.2.840.10008.5.1.4.1.2.2.2"
	implicitVRLittleEndian  = "1.2.840.10008.1.2"
)

const (
	pduAssociateRQ = 0x01
	pduAssociateAC = 0x02
	pduAssociateRJ = 0x03
	pduDataTF      = 0x04
	pduReleaseRQ   = 0x05
	pduReleaseRP   = 0x06
	pduAbort       = 0x07
)

// NetAssociation is the production Association, dialling callingAE /
// calledAE over TCP for every operation.
type NetAssociation struct {
	addr      string
	callingAE string
	calledAE  string
	dialer    net.Dialer
}

func NewNetAssociation(addr, callingAE, calledAE string) *NetAssociation {
	return &NetAssociation{addr: addr, callingAE: callingAE, calledAE: calledAE}
}

func (n *NetAssociation) dial(ctx context.Context) (net.Conn, error) {
	conn, err := n.dialer.DialContext(ctx, "tcp", n.addr)
	if err != nil {
		return nil, errors.Wrap(err, "dicomsrc: dial")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// associate performs the A-ASSOCIATE handshake offering a single
// presentation context for abstractSyntax, then hands the live
// connection to body. The connection and any negotiated association
// are torn down (A-RELEASE) before associate returns.
func (n *NetAssociation) associate(ctx context.Context, abstractSyntax string, body func(conn net.Conn, presentationCtxID byte) error) error {
	conn, err := n.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeAssociateRQ(conn, n.callingAE, n.calledAE, abstractSyntax); err != nil {
		return errors.Wrap(err, "dicomsrc: send A-ASSOCIATE-RQ")
	}
	pduType, payload, err := readPDU(conn)
	if err != nil {
		return errors.Wrap(err, "dicomsrc: read A-ASSOCIATE response")
	}
	if pduType == pduAssociateRJ {
		return errors.New("dicomsrc: association rejected")
	}
	if pduType != pduAssociateAC {
		return errors.Errorf("dicomsrc: unexpected PDU type 0x%02x awaiting A-ASSOCIATE-AC", pduType)
	}
	presCtxID := parseAcceptedPresentationContext(payload)

	if err := body(conn, presCtxID); err != nil {
		_ = writeReleaseRQ(conn)
		return err
	}

	if err := writeReleaseRQ(conn); err != nil {
		return errors.Wrap(err, "dicomsrc: send A-RELEASE-RQ")
	}
	if _, _, err := readPDU(conn); err != nil {
		return errors.Wrap(err, "dicomsrc: read A-RELEASE-RP")
	}
	return nil
}

func (n *NetAssociation) Echo(ctx context.Context) error {
	return n.associate(ctx, verificationSOPClassUID, func(conn net.Conn, presCtxID byte) error {
		cmd := buildCommand(cEchoRQ, verificationSOPClassUID, 0x0030, nil)
		if err := writeDataTF(conn, presCtxID, cmd, true, nil); err != nil {
			return err
		}
		_, status, err := readCommandResponse(conn)
		if err != nil {
			return err
		}
		if status != 0x0000 {
			return errors.Errorf("dicomsrc: C-ECHO-RSP status 0x%04x", status)
		}
		return nil
	})
}

func (n *NetAssociation) Find(ctx context.Context, q StudyQuery) ([]FoundStudy, error) {
	var found []FoundStudy
	err := n.associate(ctx, studyRootFindUID, func(conn net.Conn, presCtxID byte) error {
		identifier := buildFindIdentifier(q)
		cmd := buildCommand(cFindRQ, studyRootFindUID, 0x0020, identifier)
		if err := writeDataTF(conn, presCtxID, cmd, true, identifier); err != nil {
			return err
		}
		for {
			ds, status, err := readCommandResponse(conn)
			if err != nil {
				return err
			}
			if status == 0x0000 {
				return nil // success, no further pending responses
			}
			if status != 0xFF00 && status != 0xFF01 {
				return errors.Errorf("dicomsrc: C-FIND-RSP status 0x%04x", status)
			}
			if fs, ok := studyFromDataset(ds); ok {
				found = append(found, fs)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (n *NetAssociation) Move(ctx context.Context, studyUID, destinationAE string) error {
	return n.associate(ctx, studyRootMoveUID, func(conn net.Conn, presCtxID byte) error {
		identifier := buildMoveIdentifier(studyUID)
		cmd := buildCommand(cMoveRQ, studyRootMoveUID, 0x0021, identifier)
		cmd = append(cmd, tagElementShort(0x0000, 0x0600, destinationAE)...)
		if err := writeDataTF(conn, presCtxID, cmd, true, identifier); err != nil {
			return err
		}
		for {
			_, status, err := readCommandResponse(conn)
			if err != nil {
				return err
			}
			if status == 0x0000 {
				return nil
			}
			if status != 0xFF00 {
				return errors.Errorf("dicomsrc: C-MOVE-RSP status 0x%04x", status)
			}
		}
	})
}

// --- command field constants (PS3.7 E.1) ---

const (
	cEchoRQ  = 0x0030
	cFindRQ  = 0x0020
	cMoveRQ  = 0x0021
)

func buildCommand(commandField uint16, affectedSOPClassUID string, msgID uint16, identifier []byte) []byte {
	var buf bytes.Buffer
	writeElementUI(&buf, 0x0000, 0x0002, affectedSOPClassUID)
	writeElementUS(&buf, 0x0000, 0x0100, commandField)
	writeElementUS(&buf, 0x0000, 0x0110, msgID)
	dataSetType := uint16(0x0101)
	if identifier != nil {
		dataSetType = 0x0102
	}
	writeElementUS(&buf, 0x0000, 0x0800, dataSetType)
	return buf.Bytes()
}

func buildFindIdentifier(q StudyQuery) []byte {
	var buf bytes.Buffer
	writeElementLO(&buf, 0x0008, 0x0052, "STUDY") // QueryRetrieveLevel
	if q.StudyUID != "" {
		writeElementUI(&buf, 0x0020, 0x000D, q.StudyUID)
	} else {
		writeElementLO(&buf, 0x0010, 0x0020, q.MRN)
		writeElementSH(&buf, 0x0008, 0x0050, q.Accession)
		writeElementUI(&buf, 0x0020, 0x000D, "") // universal match, returned by the source
	}
	return buf.Bytes()
}

func buildMoveIdentifier(studyUID string) []byte {
	var buf bytes.Buffer
	writeElementUI(&buf, 0x0020, 0x000D, studyUID)
	return buf.Bytes()
}

// studyFromDataset extracts a FoundStudy from a C-FIND-RSP identifier
// dataset decoded by dicom.Parse.
func studyFromDataset(raw []byte) (FoundStudy, bool) {
	if len(raw) == 0 {
		return FoundStudy{}, false
	}
	ds, err := dicom.Parse(bytes.NewReader(raw), int64(len(raw)), nil)
	if err != nil {
		cmn.L().Warnw("dicomsrc: failed to decode C-FIND identifier", "error", err)
		return FoundStudy{}, false
	}
	elem, err := ds.FindElementByTag(tag.StudyInstanceUID)
	if err != nil {
		return FoundStudy{}, false
	}
	uid, ok := elem.Value.GetValue().([]string)
	if !ok || len(uid) == 0 {
		return FoundStudy{}, false
	}
	return FoundStudy{StudyUID: uid[0]}, true
}

// --- minimal PDU encode/decode ---

func writeAssociateRQ(w io.Writer, callingAE, calledAE, abstractSyntax string) error {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, uint16(1))   // protocol version
	binary.Write(&body, binary.BigEndian, uint16(0))   // reserved
	writeAET(&body, calledAE)
	writeAET(&body, callingAE)
	body.Write(make([]byte, 32)) // reserved

	body.Write(item(0x10, []byte(applicationContextUID)))

	var presCtx bytes.Buffer
	presCtx.WriteByte(1) // presentation context ID
	presCtx.Write(make([]byte, 3))
	presCtx.Write(item(0x30, []byte(abstractSyntax)))
	presCtx.Write(item(0x40, []byte(implicitVRLittleEndian)))
	body.Write(item(0x20, presCtx.Bytes()))

	var userInfo bytes.Buffer
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, 16384)
	userInfo.Write(item(0x51, maxLen))
	body.Write(item(0x50, userInfo.Bytes()))

	return writePDU(w, pduAssociateRQ, body.Bytes())
}

func writeReleaseRQ(w io.Writer) error {
	return writePDU(w, pduReleaseRQ, make([]byte, 4))
}

func writeDataTF(w io.Writer, presCtxID byte, command []byte, _ bool, identifier []byte) error {
	var body bytes.Buffer
	writePDV(&body, presCtxID, command, true, identifier == nil)
	if identifier != nil {
		writePDV(&body, presCtxID, identifier, false, true)
	}
	return writePDU(w, pduDataTF, body.Bytes())
}

func writePDV(buf *bytes.Buffer, presCtxID byte, payload []byte, isCommand, isLast bool) {
	flags := byte(0)
	if isCommand {
		flags |= 0x01
	}
	if isLast {
		flags |= 0x02
	}
	pdvLen := uint32(len(payload) + 2)
	binary.Write(buf, binary.BigEndian, pdvLen)
	buf.WriteByte(presCtxID)
	buf.WriteByte(flags)
	buf.Write(payload)
}

func writePDU(w io.Writer, pduType byte, body []byte) error {
	hdr := make([]byte, 6)
	hdr[0] = pduType
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readPDU(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, 6)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[2:])
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return hdr[0], body, nil
}

// readCommandResponse reads one P-DATA-TF PDU carrying a command (and
// optionally a trailing identifier dataset PDV), returning the
// identifier bytes (nil if none) and the command's Status (0x0900).
func readCommandResponse(r io.Reader) (identifier []byte, status uint16, err error) {
	pduType, body, err := readPDU(r)
	if err != nil {
		return nil, 0, err
	}
	if pduType != pduDataTF {
		return nil, 0, errors.Errorf("dicomsrc: unexpected PDU type 0x%02x awaiting P-DATA-TF", pduType)
	}
	buf := bytes.NewReader(body)
	for buf.Len() > 0 {
		var pdvLen uint32
		if err := binary.Read(buf, binary.BigEndian, &pdvLen); err != nil {
			return nil, 0, err
		}
		presCtxID, _ := buf.ReadByte()
		flags, _ := buf.ReadByte()
		_ = presCtxID
		payload := make([]byte, pdvLen-2)
		if _, err := io.ReadFull(buf, payload); err != nil {
			return nil, 0, err
		}
		if flags&0x01 != 0 {
			status = parseStatus(payload)
		} else {
			identifier = payload
		}
	}
	return identifier, status, nil
}

func parseStatus(command []byte) uint16 {
	buf := bytes.NewReader(command)
	for buf.Len() >= 8 {
		var group, elem uint16
		var vl uint32
		binary.Read(buf, binary.LittleEndian, &group)
		binary.Read(buf, binary.LittleEndian, &elem)
		binary.Read(buf, binary.LittleEndian, &vl)
		val := make([]byte, vl)
		io.ReadFull(buf, val)
		if group == 0x0000 && elem == 0x0900 && len(val) >= 2 {
			return binary.LittleEndian.Uint16(val)
		}
	}
	return 0xFFFF
}

func writeAET(w *bytes.Buffer, ae string) {
	b := make([]byte, 16)
	copy(b, fmt.Sprintf("%-16s", ae))
	w.Write(b)
}

func item(itemType byte, value []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(itemType)
	buf.WriteByte(0)
	binary.Write(&buf, binary.BigEndian, uint16(len(value)))
	buf.Write(value)
	return buf.Bytes()
}

func parseAcceptedPresentationContext(body []byte) byte {
	// First byte of the first 0x21 (presentation context accept) item's
	// context-id field; defaults to 1 when not found (single offered
	// context, as this client always offers exactly one).
	for i := 0; i+4 <= len(body); i++ {
		if body[i] == 0x21 {
			if i+8 <= len(body) {
				return body[i+4]
			}
		}
	}
	return 1
}

func writeElementUI(buf *bytes.Buffer, group, elem uint16, value string) {
	writeElementVR(buf, group, elem, padEven(value))
}
func writeElementLO(buf *bytes.Buffer, group, elem uint16, value string) { writeElementVR(buf, group, elem, padEven(value)) }
func writeElementSH(buf *bytes.Buffer, group, elem uint16, value string) { writeElementVR(buf, group, elem, padEven(value)) }

func writeElementVR(buf *bytes.Buffer, group, elem uint16, value string) {
	binary.Write(buf, binary.LittleEndian, group)
	binary.Write(buf, binary.LittleEndian, elem)
	binary.Write(buf, binary.LittleEndian, uint32(len(value)))
	buf.WriteString(value)
}

func writeElementUS(buf *bytes.Buffer, group, elem, value uint16) {
	binary.Write(buf, binary.LittleEndian, group)
	binary.Write(buf, binary.LittleEndian, elem)
	binary.Write(buf, binary.LittleEndian, uint32(2))
	binary.Write(buf, binary.LittleEndian, value)
}

func tagElementShort(group, elem uint16, value string) []byte {
	var buf bytes.Buffer
	writeElementVR(&buf, group, elem, padEven(value))
	return buf.Bytes()
}

func padEven(s string) string {
	if len(s)%2 != 0 {
		return s + "\x00"
	}
	return s
}

var _ Association = (*NetAssociation)(nil)
